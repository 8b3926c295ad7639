package citation

import (
	"context"
	"sort"
	"strings"

	"citation-capture/core/reconcile"

	"go.uber.org/zap"
)

const sourceLabel = "Version Source"

// normalizeDOIs lower-cases and deduplicates the DOIs of lists, dropping blanks
// and self.
func normalizeDOIs(self string, lists ...[]string) []string {
	seen := map[string]struct{}{}
	var out []string
	for _, list := range lists {
		for _, c := range list {
			c = strings.ToLower(strings.TrimSpace(c))
			if c == "" || c == self {
				continue
			}
			if _, ok := seen[c]; ok {
				continue
			}
			seen[c] = struct{}{}
			out = append(out, c)
		}
	}
	sort.Strings(out)
	return out
}

// versionCandidates returns the related DOIs declared by meta, lower-cased,
// deduplicated and without self.
func versionCandidates(meta Metadata, self string) []string {
	return normalizeDOIs(self, meta.VersionOf, meta.Versions)
}

// conceptsOf returns the concept identifiers meta declares itself a version of.
func conceptsOf(meta Metadata, self string) []string {
	return normalizeDOIs(strings.ToLower(self), meta.VersionOf)
}

func containsFold(list []string, v string) bool {
	for _, item := range list {
		if strings.EqualFold(strings.TrimSpace(item), v) {
			return true
		}
	}
	return false
}

// versionLabel is the associated-works key under which content is listed. A
// concept identifier, one the other side declares itself a version of, is
// listed as the version source.
func versionLabel(content string, meta Metadata, concept bool) string {
	if concept {
		return sourceLabel
	}
	if v := strings.TrimSpace(meta.Version); v != "" {
		return "Version " + v
	}
	return content
}

// linkVersions adds the registered siblings of t to its associated works and
// returns one task per sibling that adds t to the sibling's map. Siblings are
// the DOIs meta declares, the related versions listed by its concept records
// and the registered targets declaring the same concept.
func linkVersions(ctx context.Context, s *Store, t *Target, meta Metadata, related []string) ([]reconcile.Task, error) {
	if t.Bibcode == "" {
		return nil, nil
	}
	self := strings.ToLower(t.Content)
	candidates := normalizeDOIs(self, meta.VersionOf, meta.Versions, related)
	concepts := conceptsOf(meta, t.Content)
	if len(candidates) == 0 && len(concepts) == 0 {
		return nil, nil
	}

	listed, err := s.FindRegisteredTargets(ctx, candidates)
	if err != nil {
		return nil, err
	}
	shared, err := s.FindRegisteredByConcept(ctx, concepts)
	if err != nil {
		return nil, err
	}

	works := t.Works()
	seen := map[string]struct{}{}
	var tasks []reconcile.Task
	for _, group := range [][]Target{listed, shared} {
		for i := range group {
			sib := &group[i]
			key := strings.ToLower(sib.Content)
			if key == self {
				continue
			}
			if _, ok := seen[key]; ok {
				continue
			}
			seen[key] = struct{}{}

			sibMeta := effectiveOrParsed(sib)
			works[versionLabel(sib.Content, sibMeta, containsFold(meta.VersionOf, sib.Content))] = sib.Bibcode
			tasks = append(tasks, SiblingTask{
				Sibling: sib.Content,
				Source:  t.Content,
				Label:   versionLabel(t.Content, meta, containsFold(sibMeta.VersionOf, t.Content)),
				Bibcode: t.Bibcode,
			})
		}
	}
	t.SetWorks(works)
	return tasks, nil
}

// relatedVersions fetches the concept records meta declares and returns the
// versions they list. Concept records are optional: a failed fetch is logged
// and the concept's siblings are then found through the registry alone.
func (p *Processor) relatedVersions(ctx context.Context, meta Metadata, self string) []string {
	var out []string
	for _, concept := range conceptsOf(meta, self) {
		_, cm, err := p.fetchMetadata(ctx, concept)
		if err != nil {
			p.logger.Warn("Concept record unavailable", zap.String("content", self), zap.String("concept", concept), zap.Error(err))
			continue
		}
		out = append(out, cm.Versions...)
	}
	return normalizeDOIs(strings.ToLower(self), out)
}
