package common

import (
	"fmt"

	"github.com/ledongthuc/pdf"
)

// PDFPageCount returns the number of pages in a PDF file. Corrupt or
// truncated downloads surface as an error so callers can retry the fetch.
func PDFPageCount(path string) (int, error) {
	f, r, err := pdf.Open(path)
	if err != nil {
		return 0, fmt.Errorf("failed to open PDF %s: %w", path, err)
	}
	defer f.Close()
	return r.NumPage(), nil
}
