// Package round models one advisory distribution and its spreadsheet
// source.
package round

import (
	"fmt"
	"strings"
)

type Phase string

const (
	PhaseFirst Phase = "first"
	PhaseLast  Phase = "last"
)

// ParsePhase accepts the operator shorthands 1/2 as well as the names.
func ParsePhase(s string) (Phase, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "1", "first", "firstday":
		return PhaseFirst, nil
	case "2", "last", "lastday":
		return PhaseLast, nil
	default:
		return "", fmt.Errorf("unknown phase %q (want 1/first or 2/last)", s)
	}
}

// Round is one advisory distribution for a security and phase. Only
// RecipientRow.ChatID changes after load.
type Round struct {
	Name    string
	Phase   Phase
	Comment string
	Rows    []RecipientRow
	Source  Source
}

// Source locates the sheet a round was loaded from.
type Source struct {
	Path    string
	Sheet   string
	ChatCol int // 1-based column of the chat id cells
}

// RecipientRow is one recipient's terms. Name is unique within a round.
// ChatID is zero until resolved.
type RecipientRow struct {
	Name       string
	Send       bool
	Price      string
	Quantity   string
	Commitment string
	ChatID     int64
	Line       int // 1-based sheet row
}

func (r RecipientRow) HasChat() bool { return r.ChatID != 0 }

// ID identifies the round across dispatch and tracking.
func (r *Round) ID() string { return r.Name + "/" + string(r.Phase) }

// Selected returns the indexes of rows with the send flag set, in sheet order.
func (r *Round) Selected() []int {
	var out []int
	for i, row := range r.Rows {
		if row.Send {
			out = append(out, i)
		}
	}
	return out
}

// SetChatIDs applies resolved chat ids by recipient name and returns the
// number of rows that changed.
func (r *Round) SetChatIDs(ids map[string]int64) int {
	n := 0
	for i := range r.Rows {
		if id, ok := ids[r.Rows[i].Name]; ok && id != 0 && r.Rows[i].ChatID != id {
			r.Rows[i].ChatID = id
			n++
		}
	}
	return n
}
