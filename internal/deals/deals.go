// Package deals keeps the append-only record of every fill the runner sees.
// One JSON object per line; the file is never rewritten.
package deals

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"intraday_trader/internal/models"

	"github.com/shopspring/decimal"
	"go.uber.org/multierr"
)

const FileName = "deals.ndjson"

type Record struct {
	Time          time.Time       `json:"time"`
	Strategy      string          `json:"strategy"`
	Code          string          `json:"code"`
	Side          models.Side     `json:"side"`
	Price         decimal.Decimal `json:"price"`
	Volume        int64           `json:"volume"`
	Amount        decimal.Decimal `json:"amount"`
	Remark        string          `json:"remark,omitempty"`
	OrderID       string          `json:"order_id,omitempty"`
	ClientOrderID string          `json:"client_order_id,omitempty"`
}

// Log appends deal records to a file.
type Log struct {
	strategy string
	file     *os.File
	writer   *bufio.Writer
	mu       sync.Mutex
}

// Open creates or appends to dir/deals.ndjson.
func Open(dir, strategy string) (*Log, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create deal dir: %w", err)
	}
	file, err := os.OpenFile(filepath.Join(dir, FileName), os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, fmt.Errorf("open deal log: %w", err)
	}
	return &Log{strategy: strategy, file: file, writer: bufio.NewWriter(file)}, nil
}

// Append writes one record for the trade and flushes it.
func (l *Log) Append(t models.Trade) error {
	rec := Record{
		Time:          t.Time,
		Strategy:      l.strategy,
		Code:          t.Code,
		Side:          t.Side,
		Price:         t.Price,
		Volume:        t.Volume,
		Amount:        t.Price.Mul(decimal.NewFromInt(t.Volume)),
		Remark:        t.Remark,
		OrderID:       t.OrderID,
		ClientOrderID: t.ClientOrderID,
	}
	payload, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("marshal deal: %w", err)
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	if _, err := l.writer.Write(append(payload, '\n')); err != nil {
		return fmt.Errorf("write deal: %w", err)
	}
	if err := l.writer.Flush(); err != nil {
		return fmt.Errorf("flush deal log: %w", err)
	}
	return nil
}

func (l *Log) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	return multierr.Combine(l.writer.Flush(), l.file.Close())
}

// Read returns every record in dir/deals.ndjson in file order.
func Read(dir string) ([]Record, error) {
	f, err := os.Open(filepath.Join(dir, FileName))
	if err != nil {
		return nil, err
	}
	defer f.Close()

	var out []Record
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		if len(scanner.Bytes()) == 0 {
			continue
		}
		var rec Record
		if err := json.Unmarshal(scanner.Bytes(), &rec); err != nil {
			return out, fmt.Errorf("decode deal %d: %w", len(out)+1, err)
		}
		out = append(out, rec)
	}
	return out, scanner.Err()
}
