package cmd

import (
	"encoding/csv"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/JakeFAU/venue-enrichment/internal/enrich"
)

const endpointPrefix = "endpoint_"

func readItemsFile(path string) ([]enrich.WorkItem, error) {
	f, err := os.Open(filepath.Clean(path))
	if err != nil {
		return nil, fmt.Errorf("open items: %w", err)
	}
	defer func() { _ = f.Close() }()

	var items []enrich.WorkItem
	switch strings.ToLower(filepath.Ext(path)) {
	case ".json":
		items, err = decodeItemsJSON(f)
	default:
		items, err = decodeItemsCSV(f)
	}
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", path, err)
	}
	for i, item := range items {
		if err := item.Validate(); err != nil {
			return nil, fmt.Errorf("item %d: %w", i+1, err)
		}
	}
	return items, nil
}

func decodeItemsJSON(r io.Reader) ([]enrich.WorkItem, error) {
	var items []enrich.WorkItem
	if err := json.NewDecoder(r).Decode(&items); err != nil {
		return nil, fmt.Errorf("decode json: %w", err)
	}
	return items, nil
}

// decodeItemsCSV reads a header row naming name, address and any
// endpoint_<source> columns.
func decodeItemsCSV(r io.Reader) ([]enrich.WorkItem, error) {
	cr := csv.NewReader(r)
	cr.TrimLeadingSpace = true
	header, err := cr.Read()
	if err != nil {
		return nil, fmt.Errorf("read header: %w", err)
	}
	nameCol, addrCol := -1, -1
	endpoints := map[int]string{}
	for i, col := range header {
		col = strings.ToLower(strings.TrimSpace(col))
		switch {
		case col == "name":
			nameCol = i
		case col == "address":
			addrCol = i
		case strings.HasPrefix(col, endpointPrefix):
			endpoints[i] = strings.TrimPrefix(col, endpointPrefix)
		}
	}
	if nameCol < 0 {
		return nil, errors.New("header has no name column")
	}

	var items []enrich.WorkItem
	for {
		row, err := cr.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("read row: %w", err)
		}
		item := enrich.WorkItem{Name: strings.TrimSpace(row[nameCol])}
		if addrCol >= 0 {
			item.Address = strings.TrimSpace(row[addrCol])
		}
		for col, source := range endpoints {
			if v := strings.TrimSpace(row[col]); v != "" {
				if item.Endpoints == nil {
					item.Endpoints = map[string]string{}
				}
				item.Endpoints[source] = v
			}
		}
		items = append(items, item)
	}
	return items, nil
}
