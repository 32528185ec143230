package efficiency

import (
	"encoding/csv"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"
)

// Header is the first CSV row.
var Header = []string{"Load (A)", "VIN (V)", "IIN (A)", "VOUT (V)", "IOUT (A)", "Efficiency (%)"}

// WriteCSV writes a header row and one row per point.
func WriteCSV(w io.Writer, points []Point) error {
	cw := csv.NewWriter(w)
	if err := cw.Write(Header); err != nil {
		return err
	}
	for _, p := range points {
		row := []string{
			format(p.Load), format(p.VIn), format(p.IIn),
			format(p.VOut), format(p.IOut), format(p.Efficiency),
		}
		if err := cw.Write(row); err != nil {
			return err
		}
	}
	cw.Flush()
	return cw.Error()
}

func format(v float64) string {
	return strconv.FormatFloat(v, 'g', -1, 64)
}

// DefaultDir is where result files go when no directory is given.
func DefaultDir() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(home, "Downloads"), nil
}

// FileName builds a result path in dir from base: any directory part and
// trailing ext are dropped, a timestamp is appended, and a -N suffix is
// added when the name is already taken.
func FileName(dir, base, ext string, now time.Time) string {
	ext = "." + strings.TrimPrefix(ext, ".")
	base = strings.TrimSuffix(strings.TrimSuffix(base, ext), "/")
	base = filepath.Base(base)

	stem := filepath.Join(dir, base+"-"+now.Format("20060102-150405"))
	name := stem + ext
	for n := 1; exists(name); n++ {
		name = fmt.Sprintf("%s-%d%s", stem, n, ext)
	}
	return name
}

func exists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}

// Save writes points to a new CSV file named after p.Name in dir and
// returns its path. An empty dir means DefaultDir.
func Save(dir string, p Params, points []Point, now time.Time) (string, error) {
	if dir == "" {
		d, err := DefaultDir()
		if err != nil {
			return "", err
		}
		dir = d
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("failed to create %s: %w", dir, err)
	}
	name := FileName(dir, "Eff_data_"+p.Name, "csv", now)
	f, err := os.OpenFile(name, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o644)
	if err != nil {
		return "", err
	}
	if err := WriteCSV(f, points); err != nil {
		f.Close()
		return "", err
	}
	return name, f.Close()
}
