package marketdata

import (
	"context"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/gkeiel/trading-strategy-optimizer/src/indicator"
	"github.com/gkeiel/trading-strategy-optimizer/src/storage"
)

// CSV 从 <dir>/<ticker>.csv 读取 date,close,volume
type CSV struct {
	dir string
}

func NewCSV(dir string) *CSV {
	if dir == "" {
		dir = "./data"
	}
	return &CSV{dir: dir}
}

func (c *CSV) Name() string { return "csv" }

func (c *CSV) Fetch(_ context.Context, ticker string, start, end time.Time) (indicator.Series, error) {
	f, err := os.Open(filepath.Join(c.dir, ticker+".csv"))
	if err != nil {
		return nil, unavailable(c.Name(), ticker, err)
	}
	defer f.Close()
	seq, err := storage.ReadSeriesCSV(f)
	if err != nil {
		return nil, unavailable(c.Name(), ticker, err)
	}
	lo := sort.Search(len(seq), func(i int) bool { return !seq[i].Time.Before(start) })
	hi := sort.Search(len(seq), func(i int) bool { return !seq[i].Time.Before(end) })
	if lo >= hi {
		return nil, unavailable(c.Name(), ticker, nil)
	}
	return seq[lo:hi], nil
}
