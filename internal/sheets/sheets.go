// Package sheets is a narrow Google Sheets client for the ledger mirror:
// one worksheet, entry UIDs in column A.
package sheets

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"regexp"
	"strconv"
	"strings"

	"golang.org/x/oauth2/google"
	"google.golang.org/api/googleapi"
	"google.golang.org/api/option"
	gsheets "google.golang.org/api/sheets/v4"
)

// Columns is the number of columns in a ledger row (A..H).
const Columns = 8

// Header is written to row 1 of an empty sheet.
var Header = []interface{}{"uid", "recorded_at", "user_id", "username", "amount", "currency", "category", "note"}

// Client is the subset of the Sheets API the syncer needs.
type Client interface {
	// ReadColumn returns column A; index i holds row i+1.
	ReadColumn(ctx context.Context) ([]string, error)
	// AppendRows appends rows after the last non-empty row and returns the
	// 1-based index of the first written row.
	AppendRows(ctx context.Context, rows [][]interface{}) (int, error)
	// ClearRow blanks every ledger column of row.
	ClearRow(ctx context.Context, row int) error
}

// Service implements Client on top of the Sheets v4 REST API.
type Service struct {
	svc           *gsheets.Service
	spreadsheetID string
	sheetName     string
}

// NewServiceAccount authenticates with a service-account key file.
func NewServiceAccount(ctx context.Context, credentialsFile, spreadsheetID, sheetName string) (*Service, error) {
	data, err := os.ReadFile(credentialsFile)
	if err != nil {
		return nil, fmt.Errorf("read credentials: %w", err)
	}
	conf, err := google.JWTConfigFromJSON(data, gsheets.SpreadsheetsScope)
	if err != nil {
		return nil, fmt.Errorf("parse service account credentials: %w", err)
	}
	return New(ctx, spreadsheetID, sheetName, option.WithHTTPClient(conf.Client(ctx)))
}

// New builds a Service from arbitrary client options.
func New(ctx context.Context, spreadsheetID, sheetName string, opts ...option.ClientOption) (*Service, error) {
	svc, err := gsheets.NewService(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("create sheets service: %w", err)
	}
	return &Service{svc: svc, spreadsheetID: spreadsheetID, sheetName: sheetName}, nil
}

// A1 qualifies rng with the quoted sheet name.
func A1(sheetName, rng string) string {
	return "'" + strings.ReplaceAll(sheetName, "'", "''") + "'!" + rng
}

func (s *Service) ReadColumn(ctx context.Context) ([]string, error) {
	resp, err := s.svc.Spreadsheets.Values.Get(s.spreadsheetID, A1(s.sheetName, "A:A")).
		MajorDimension("ROWS").
		Context(ctx).
		Do()
	if err != nil {
		return nil, fmt.Errorf("read uid column: %w", err)
	}

	col := make([]string, len(resp.Values))
	for i, row := range resp.Values {
		if len(row) > 0 {
			col[i] = fmt.Sprint(row[0])
		}
	}
	return col, nil
}

func (s *Service) AppendRows(ctx context.Context, rows [][]interface{}) (int, error) {
	vr := &gsheets.ValueRange{MajorDimension: "ROWS", Values: rows}
	resp, err := s.svc.Spreadsheets.Values.Append(s.spreadsheetID, A1(s.sheetName, "A:H"), vr).
		ValueInputOption("RAW").
		InsertDataOption("INSERT_ROWS").
		Context(ctx).
		Do()
	if err != nil {
		return 0, fmt.Errorf("append rows: %w", err)
	}
	if resp.Updates == nil {
		return 0, fmt.Errorf("append rows: response has no update range")
	}
	return FirstRow(resp.Updates.UpdatedRange)
}

func (s *Service) ClearRow(ctx context.Context, row int) error {
	rng := A1(s.sheetName, fmt.Sprintf("A%d:H%d", row, row))
	_, err := s.svc.Spreadsheets.Values.Clear(s.spreadsheetID, rng, &gsheets.ClearValuesRequest{}).
		Context(ctx).
		Do()
	if err != nil {
		return fmt.Errorf("clear row %d: %w", row, err)
	}
	return nil
}

var updatedRangeRe = regexp.MustCompile(`![A-Z]+(\d+)`)

// FirstRow extracts the first row number from an A1 range such as
// "'Ledger'!A5:H7".
func FirstRow(updatedRange string) (int, error) {
	m := updatedRangeRe.FindStringSubmatch(updatedRange)
	if m == nil {
		return 0, fmt.Errorf("unexpected updated range %q", updatedRange)
	}
	return strconv.Atoi(m[1])
}

// Throttled reports whether the API rejected the request for quota
// reasons, which guarantees it was not applied.
func Throttled(err error) bool {
	var apiErr *googleapi.Error
	return errors.As(err, &apiErr) && apiErr.Code == http.StatusTooManyRequests
}

// Retryable reports whether err is worth retrying: quota exhaustion,
// server errors and transport failures.
func Retryable(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}

	var apiErr *googleapi.Error
	if errors.As(err, &apiErr) {
		return apiErr.Code == http.StatusTooManyRequests || apiErr.Code >= 500
	}

	var netErr net.Error
	return errors.As(err, &netErr)
}
