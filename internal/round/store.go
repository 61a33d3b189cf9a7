package round

import (
	"context"
	"errors"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"

	"github.com/xuri/excelize/v2"

	logx "advisorbot/pkg/logx"
)

// ErrNotFound is returned when the workbook or its phase sheet is missing.
var ErrNotFound = errors.New("round not found")

type StoreConfig struct {
	Dir        string
	FirstSheet string
	LastSheet  string
}

// Store reads rounds from <Dir>/<name>.xlsx and writes resolved chat ids
// back into the same sheet.
type Store struct {
	cfg StoreConfig
	log logx.Logger

	mu sync.Mutex // serializes workbook writes
}

func NewStore(cfg StoreConfig, log logx.Logger) *Store {
	if log.IsZero() {
		log = logx.Nop()
	}
	if cfg.FirstSheet == "" {
		cfg.FirstSheet = "firstDay"
	}
	if cfg.LastSheet == "" {
		cfg.LastSheet = "lastDay"
	}
	return &Store{cfg: cfg, log: log}
}

func (s *Store) Path(name string) string {
	return filepath.Join(s.cfg.Dir, strings.TrimSpace(name)+".xlsx")
}

func (s *Store) SheetFor(p Phase) string {
	if p == PhaseLast {
		return s.cfg.LastSheet
	}
	return s.cfg.FirstSheet
}

type column int

const (
	colName column = iota
	colSend
	colPrice
	colQuantity
	colCommitment
	colChat
	colComment
	numColumns
)

var columnNames = [numColumns]string{"name", "send", "price", "quantity", "commitment", "chat", "comment"}

var headerAliases = map[string]column{
	"기관명": colName, "기관": colName, "name": colName, "institution": colName,
	"발송": colSend, "send": colSend,
	"참여가격": colPrice, "price": colPrice,
	"참여수량": colQuantity, "quantity": colQuantity,
	"확약여부": colCommitment, "commitment": colCommitment,
	"chatid": colChat, "chat_id": colChat, "chat": colChat,
	"코멘트": colComment, "comment": colComment,
}

// Load reads one phase sheet. The first row holds headers; the name column
// falls back to column A when it has no recognised header.
func (s *Store) Load(ctx context.Context, name string, phase Phase) (*Round, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	name = strings.TrimSpace(name)
	if name == "" {
		return nil, fmt.Errorf("%w: empty name", ErrNotFound)
	}
	path := s.Path(name)
	sheet := s.SheetFor(phase)

	f, err := excelize.OpenFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("%w: %s", ErrNotFound, path)
		}
		return nil, fmt.Errorf("open %s: %w", path, err)
	}
	defer func() { _ = f.Close() }()

	if idx, _ := f.GetSheetIndex(sheet); idx < 0 {
		return nil, fmt.Errorf("%w: %s has no sheet %q", ErrNotFound, path, sheet)
	}
	rows, err := f.GetRows(sheet, excelize.Options{RawCellValue: true})
	if err != nil {
		return nil, fmt.Errorf("read %s!%s: %w", path, sheet, err)
	}
	r, err := parseRows(rows)
	if err != nil {
		return nil, fmt.Errorf("%s!%s: %w", path, sheet, err)
	}
	r.Name = name
	r.Phase = phase
	r.Source.Path = path
	r.Source.Sheet = sheet
	s.log.Debug("round loaded", logx.String("round", r.ID()), logx.Int("rows", len(r.Rows)), logx.Int("selected", len(r.Selected())))
	return r, nil
}

func parseRows(rows [][]string) (*Round, error) {
	if len(rows) == 0 {
		return nil, errors.New("sheet is empty")
	}
	idx := [numColumns]int{}
	for i := range idx {
		idx[i] = -1
	}
	for i, h := range rows[0] {
		c, ok := headerAliases[strings.ToLower(strings.TrimSpace(h))]
		if ok && idx[c] < 0 {
			idx[c] = i
		}
	}
	if idx[colName] < 0 {
		idx[colName] = 0
	}
	var missing []string
	for c := colSend; c <= colChat; c++ {
		if idx[c] < 0 {
			missing = append(missing, columnNames[c])
		}
	}
	if len(missing) > 0 {
		return nil, fmt.Errorf("missing required columns: %s", strings.Join(missing, ", "))
	}

	r := &Round{Source: Source{ChatCol: idx[colChat] + 1}}
	seen := map[string]int{}
	for i, row := range rows[1:] {
		line := i + 2
		if idx[colComment] >= 0 && r.Comment == "" {
			r.Comment = strings.TrimSpace(cell(row, idx[colComment]))
		}
		name := strings.TrimSpace(cell(row, idx[colName]))
		if name == "" {
			continue
		}
		if prev, ok := seen[name]; ok {
			return nil, fmt.Errorf("row %d: duplicate recipient %q (first at row %d)", line, name, prev)
		}
		seen[name] = line
		chatID, err := parseChatID(cell(row, idx[colChat]))
		if err != nil {
			return nil, fmt.Errorf("row %d (%s): chat id: %w", line, name, err)
		}
		r.Rows = append(r.Rows, RecipientRow{
			Name:       name,
			Send:       parseFlag(cell(row, idx[colSend])),
			Price:      strings.TrimSpace(cell(row, idx[colPrice])),
			Quantity:   strings.TrimSpace(cell(row, idx[colQuantity])),
			Commitment: strings.TrimSpace(cell(row, idx[colCommitment])),
			ChatID:     chatID,
			Line:       line,
		})
	}
	return r, nil
}

// GetRows drops trailing empty cells.
func cell(row []string, i int) string {
	if i < 0 || i >= len(row) {
		return ""
	}
	return row[i]
}

func parseFlag(s string) bool {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "1", "1.0", "true", "y", "yes", "o":
		return true
	}
	return false
}

func parseChatID(s string) (int64, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return 0, nil
	}
	if id, err := strconv.ParseInt(s, 10, 64); err == nil {
		return id, nil
	}
	f, err := strconv.ParseFloat(s, 64)
	if err != nil || f != math.Trunc(f) || math.Abs(f) > 1<<53 {
		return 0, fmt.Errorf("not an integer: %q", s)
	}
	return int64(f), nil
}

// WriteBackChannelColumn rewrites only the chat id cells of rows that have
// one. Every other cell in the workbook is left untouched.
func (s *Store) WriteBackChannelColumn(ctx context.Context, r *Round) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if r == nil || r.Source.Path == "" || r.Source.ChatCol <= 0 {
		return errors.New("round has no sheet source")
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	f, err := excelize.OpenFile(r.Source.Path)
	if err != nil {
		return fmt.Errorf("open %s: %w", r.Source.Path, err)
	}
	defer func() { _ = f.Close() }()

	n := 0
	for _, row := range r.Rows {
		if !row.HasChat() || row.Line <= 1 {
			continue
		}
		ref, err := excelize.CoordinatesToCellName(r.Source.ChatCol, row.Line)
		if err != nil {
			return err
		}
		if err := f.SetCellInt(r.Source.Sheet, ref, row.ChatID); err != nil {
			return fmt.Errorf("set %s!%s: %w", r.Source.Sheet, ref, err)
		}
		n++
	}
	if err := f.Save(); err != nil {
		return fmt.Errorf("save %s: %w", r.Source.Path, err)
	}
	s.log.Info("chat ids written back", logx.String("round", r.ID()), logx.String("path", r.Source.Path), logx.Int("cells", n))
	return nil
}
