// Package htmlparse turns fetched list and detail pages into domain
// records, combining goquery selector scraping for structured fields with
// go-shiori/go-readability for the free-text detail description — the same
// pairing this codebase's content extractor uses for title/body extraction.
package htmlparse

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/PuerkitoBio/goquery"
	readability "github.com/go-shiori/go-readability"

	"mattercrawl/internal/domain"
	"mattercrawl/internal/engerr"
)

// ListPage is the decoded content of one certification-directory listing
// page, still expressed in source DOM order (index 0 = first listed item).
type ListPage struct {
	Entries []ListEntry
}

// ListEntry is one product row scraped from a listing page, before
// coordinate assignment.
type ListEntry struct {
	SourceURL     string
	Manufacturer  string
	Model         string
	CertificateID string
}

// ParseListPage extracts product summaries from a listing page's HTML.
// Selectors target the certification directory's table/card markup; a page
// with zero matches is reported as ParseMalformed rather than silently
// returning an empty page, since an empty page usually means the directory
// changed its markup.
func ParseListPage(html string) (*ListPage, error) {
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(html))
	if err != nil {
		return nil, engerr.Wrap(domain.ErrParseMalformed, "parse list page", err)
	}

	var entries []ListEntry
	doc.Find(".product-listing .product-row, table.products tbody tr").Each(func(_ int, row *goquery.Selection) {
		link := row.Find("a[href]").First()
		href, _ := link.Attr("href")
		href = strings.TrimSpace(href)
		if href == "" {
			return
		}

		entries = append(entries, ListEntry{
			SourceURL:     href,
			Manufacturer:  strings.TrimSpace(row.Find(".manufacturer, .vendor").First().Text()),
			Model:         strings.TrimSpace(row.Find(".model, .product-name").First().Text()),
			CertificateID: strings.TrimSpace(row.Find(".certificate-id, .cert-id").First().Text()),
		})
	})

	if len(entries) == 0 {
		return nil, engerr.New(domain.ErrParseMalformed, "list page yielded zero product entries")
	}

	return &ListPage{Entries: entries}, nil
}

// AssignCoordinates maps a listing page's DOM-order entries to the engine's
// inverted coordinate system, where page_id counts down from the site's
// total page count and index_in_page counts up from the bottom of the page,
// so (0,0) always names the single oldest certified product regardless of
// how many newer pages are appended later.
func AssignCoordinates(entries []ListEntry, sourcePageNumber, totalPages int) []domain.ProductSummary {
	n := len(entries)
	pageID := int64(totalPages - sourcePageNumber)

	summaries := make([]domain.ProductSummary, n)
	for i, e := range entries {
		indexInPage := int64(n - 1 - i)
		pid := pageID
		idx := indexInPage
		summaries[i] = domain.ProductSummary{
			SourceURL:     e.SourceURL,
			Manufacturer:  e.Manufacturer,
			Model:         e.Model,
			CertificateID: e.CertificateID,
			PageID:        &pid,
			IndexInPage:   &idx,
		}
	}
	return summaries
}

// DetailPage is the decoded content of one product's certification detail
// page.
type DetailPage struct {
	VendorID             string
	ProductID            string
	DeviceType           string
	CertificationDate    string // "2006-01-02", empty when unparseable
	SpecificationVersion string
	FirmwareVersion      string
	HardwareVersion      string
	TransportInterface   string
	PrimaryDeviceTypeID  string
	Description          string
}

// ParseDetailPage extracts structured certification fields via goquery and
// the free-text description via readability, mirroring the title+body split
// this codebase's extractor applies to article pages.
func ParseDetailPage(html, pageURL string) (*DetailPage, error) {
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(html))
	if err != nil {
		return nil, engerr.Wrap(domain.ErrParseMalformed, "parse detail page", err)
	}

	field := func(selector string) string {
		return strings.TrimSpace(doc.Find(selector).First().Text())
	}

	d := &DetailPage{
		VendorID:             field(".vendor-id, [data-field=vendor-id]"),
		ProductID:            field(".product-id, [data-field=product-id]"),
		DeviceType:           field(".device-type, [data-field=device-type]"),
		SpecificationVersion: field(".spec-version, [data-field=spec-version]"),
		FirmwareVersion:      field(".firmware-version, [data-field=firmware-version]"),
		HardwareVersion:      field(".hardware-version, [data-field=hardware-version]"),
		TransportInterface:   field(".transport-interface, [data-field=transport]"),
		PrimaryDeviceTypeID:  field(".primary-device-type-id, [data-field=device-type-id]"),
	}

	if raw := field(".certification-date, [data-field=certification-date]"); raw != "" {
		if parsed, err := parseCertificationDate(raw); err == nil {
			d.CertificationDate = parsed.Format("2006-01-02")
		}
	}

	article, err := readability.FromReader(strings.NewReader(html), nil)
	if err == nil {
		d.Description = strings.TrimSpace(article.TextContent)
	}

	if d.VendorID == "" && d.ProductID == "" {
		return nil, engerr.New(domain.ErrParseMalformed, fmt.Sprintf("detail page missing required identifiers: %s", pageURL))
	}

	return d, nil
}

var certDateLayouts = []string{
	"2006-01-02",
	"January 2, 2006",
	"Jan 2, 2006",
	"01/02/2006",
}

func parseCertificationDate(raw string) (time.Time, error) {
	for _, layout := range certDateLayouts {
		if t, err := time.Parse(layout, raw); err == nil {
			return t, nil
		}
	}
	return time.Time{}, fmt.Errorf("unrecognized certification date format: %q", raw)
}

// PaginationInfo is the site-wide shape the Planner needs: how many listing
// pages exist, and how many products sit on the oldest (last) one.
type PaginationInfo struct {
	TotalPages         int
	ProductsOnLastPage int
}

// ParsePaginationInfo reads the directory's pagination control off its
// first listing page to determine the site's total page count, and counts
// the entries on the final page to support partial-page top-up detection.
func ParsePaginationInfo(firstPageHTML, lastPageHTML string) (PaginationInfo, error) {
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(firstPageHTML))
	if err != nil {
		return PaginationInfo{}, engerr.Wrap(domain.ErrParseMalformed, "parse pagination control", err)
	}

	total := 0
	doc.Find(".pagination a[href], .pager a[href]").Each(func(_ int, s *goquery.Selection) {
		href, _ := s.Attr("href")
		if n, ok := ParsePageNumber(hrefQuery(href)); ok && n > total {
			total = n
		}
		if n, err := strconv.Atoi(strings.TrimSpace(s.Text())); err == nil && n > total {
			total = n
		}
	})
	if total == 0 {
		return PaginationInfo{}, engerr.New(domain.ErrParseMalformed, "could not determine total page count")
	}

	lastPage, err := ParseListPage(lastPageHTML)
	if err != nil {
		return PaginationInfo{}, err
	}

	return PaginationInfo{TotalPages: total, ProductsOnLastPage: len(lastPage.Entries)}, nil
}

func hrefQuery(href string) string {
	if i := strings.Index(href, "?"); i >= 0 {
		return href[i+1:]
	}
	return ""
}

// ParsePageNumber extracts the numeric "page=" query value from a listing
// URL's query string, used by ParsePaginationInfo to read page numbers off
// pagination links.
func ParsePageNumber(rawQuery string) (int, bool) {
	for _, pair := range strings.Split(rawQuery, "&") {
		kv := strings.SplitN(pair, "=", 2)
		if len(kv) == 2 && kv[0] == "page" {
			n, err := strconv.Atoi(kv[1])
			if err != nil {
				return 0, false
			}
			return n, true
		}
	}
	return 0, false
}
