package snapshot

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"time"

	"citation-capture/core/utils"
)

const maxLineSize = 16 * 1024 * 1024

// importRaw loads every input line into the raw table. A line without a tab
// separator makes the whole file malformed.
func (e *Engine) importRaw(ctx context.Context, t tables, r io.Reader) (int64, error) {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 64*1024), maxLineSize)

	db := e.db.WithContext(ctx)
	batch := make([]RawRow, 0, e.cfg.BatchSize)
	var total int64
	flush := func() error {
		if len(batch) == 0 {
			return nil
		}
		if err := db.Table(t.raw).CreateInBatches(&batch, e.cfg.BatchSize).Error; err != nil {
			return fmt.Errorf("failed to import into %s: %w", t.raw, err)
		}
		total += int64(len(batch))
		batch = batch[:0]
		return nil
	}

	line := 0
	for scanner.Scan() {
		line++
		text := strings.TrimRight(scanner.Text(), "\r")
		if strings.TrimSpace(text) == "" {
			continue
		}
		bibcode, payload, ok := strings.Cut(text, "\t")
		if !ok {
			return 0, fmt.Errorf("%w: line %d has no tab separator", ErrMalformedSnapshot, line)
		}
		batch = append(batch, RawRow{Bibcode: strings.TrimSpace(bibcode), Payload: payload})
		if len(batch) >= e.cfg.BatchSize {
			if err := flush(); err != nil {
				return 0, err
			}
		}
	}
	if err := scanner.Err(); err != nil {
		return 0, fmt.Errorf("%w: %v", ErrMalformedSnapshot, err)
	}
	if err := flush(); err != nil {
		return 0, err
	}
	return total, nil
}

// payload is the structured record of one input line.
type payload struct {
	Citing string      `json:"citing"`
	Cited  string      `json:"cited"`
	Score  interface{} `json:"score"`
	Source string      `json:"source"`
	DOI    string      `json:"doi"`
	PID    string      `json:"pid"`
	URL    string      `json:"url"`
}

// project turns one raw row into an edge. The content is the concatenation of
// the populated identifier fields; validation rejects rows with anything but one.
func project(raw RawRow, ts time.Time) (Row, error) {
	var p payload
	if err := json.Unmarshal([]byte(raw.Payload), &p); err != nil {
		return Row{}, fmt.Errorf("%w: row %d: %v", ErrMalformedSnapshot, raw.ID, err)
	}
	citing := strings.TrimSpace(p.Citing)
	if citing == "" {
		citing = raw.Bibcode
	}
	doi := strings.ToLower(strings.TrimSpace(p.DOI))
	pid := strings.TrimSpace(p.PID)
	url := strings.TrimSpace(p.URL)
	return Row{
		Citing:    citing,
		Cited:     strings.TrimSpace(p.Cited),
		HasDOI:    doi != "",
		HasPID:    pid != "",
		HasURL:    url != "",
		Content:   doi + pid + url,
		Resolved:  utils.ToBool(p.Score),
		Timestamp: ts,
	}, nil
}

// expand parses every raw row into the staged table.
func (e *Engine) expand(ctx context.Context, t tables, ts time.Time) error {
	db := e.db.WithContext(ctx)
	var lastID int64
	for {
		var raws []RawRow
		err := db.Table(t.raw).
			Where("id > ?", lastID).
			Order("id").
			Limit(e.cfg.BatchSize).
			Find(&raws).Error
		if err != nil {
			return fmt.Errorf("failed to read %s: %w", t.raw, err)
		}
		if len(raws) == 0 {
			return nil
		}
		rows := make([]Row, 0, len(raws))
		for _, raw := range raws {
			row, err := project(raw, ts)
			if err != nil {
				return err
			}
			rows = append(rows, row)
		}
		if err := db.Table(t.staged).CreateInBatches(&rows, e.cfg.BatchSize).Error; err != nil {
			return fmt.Errorf("failed to stage rows: %w", err)
		}
		lastID = raws[len(raws)-1].ID
	}
}
