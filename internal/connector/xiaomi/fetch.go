package xiaomi

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/hayashishungenn/garmin-weight-sync/internal/record"
	"github.com/hayashishungenn/garmin-weight-sync/pkg/syncerr"
)

const (
	// legacyPageSize is the page length below which the legacy API is
	// assumed exhausted. The service does not document it.
	legacyPageSize = 20
	legacyEcoAPI   = "eco/scale/getData"
	defaultDataKey = "weight"
)

// Strategy names the retrieval path that produced a result.
type Strategy string

const (
	StrategyCursor Strategy = "cursor"
	StrategyLegacy Strategy = "legacy"
)

// Caller performs one signed request. *SignedTransport implements it.
type Caller interface {
	Call(ctx context.Context, path string, params any) (json.RawMessage, error)
	Credential() *Credential
}

var _ Caller = (*SignedTransport)(nil)

// FetchOptions bounds a fetch.
type FetchOptions struct {
	// Key is the data type key, "weight" by default.
	Key string
	// Since is the earliest measurement time. Zero means the beginning.
	Since time.Time
	// Until is the latest measurement time, now + 24h by default.
	Until time.Time
	// Model is the scale model for the legacy API, DefaultModel by default.
	Model string
}

// FetchResult is the outcome of Fetch. PageErr holds the error that ended
// pagination early, if any; Records are still valid then.
type FetchResult struct {
	Records  []record.Record
	Strategy Strategy
	Pages    int
	Skipped  int
	PageErr  error
}

// Fetcher retrieves measurement history through a Caller.
type Fetcher struct {
	caller Caller
	logger *slog.Logger
	now    func() time.Time
}

// NewFetcher builds a fetcher over caller.
func NewFetcher(caller Caller, logger *slog.Logger) *Fetcher {
	if logger == nil {
		logger = slog.Default()
	}
	return &Fetcher{caller: caller, logger: logger, now: time.Now}
}

// Fetch tries cursor pagination first and the legacy API second; the first
// strategy returning records wins. An error is returned only when both
// strategies failed without producing anything.
func (f *Fetcher) Fetch(ctx context.Context, opts FetchOptions) (*FetchResult, error) {
	cursor := f.FetchCursor(ctx, opts)
	if len(cursor.Records) > 0 {
		return cursor, nil
	}
	if err := ctx.Err(); err != nil {
		return cursor, err
	}

	f.logger.Info("cursor api returned no records, trying legacy api")
	legacy := f.FetchLegacy(ctx, opts)
	if len(legacy.Records) > 0 {
		return legacy, nil
	}

	if cursor.PageErr != nil && legacy.PageErr != nil {
		return legacy, syncerr.New(syncerr.CodePagination, errors.Join(cursor.PageErr, legacy.PageErr))
	}
	return legacy, nil
}

// =============================================================================
// CURSOR PAGINATION
// =============================================================================

type cursorParams struct {
	StartTime int64  `json:"start_time"`
	EndTime   int64  `json:"end_time"`
	Key       string `json:"key"`
	NextKey   string `json:"next_key,omitempty"`
}

type cursorResponse struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
	Result  struct {
		DataList []FitnessItem `json:"data_list"`
		HasMore  bool          `json:"has_more"`
		NextKey  string        `json:"next_key"`
	} `json:"result"`
}

// FetchCursor pages the time-series endpoint until has_more is false or no
// cursor is returned.
func (f *Fetcher) FetchCursor(ctx context.Context, opts FetchOptions) *FetchResult {
	params := cursorParams{
		StartTime: 1,
		EndTime:   f.now().Add(24 * time.Hour).Unix(),
		Key:       opts.Key,
	}
	if !opts.Since.IsZero() {
		params.StartTime = opts.Since.Unix()
	}
	if !opts.Until.IsZero() {
		params.EndTime = opts.Until.Unix()
	}
	if params.Key == "" {
		params.Key = defaultDataKey
	}

	res := &FetchResult{Strategy: StrategyCursor}
	seen := map[string]bool{}
	for {
		raw, err := f.caller.Call(ctx, PathFitnessData, params)
		if err != nil {
			res.PageErr = fmt.Errorf("cursor page %d: %w", res.Pages+1, err)
			break
		}
		var page cursorResponse
		if err := json.Unmarshal(raw, &page); err != nil {
			res.PageErr = fmt.Errorf("cursor page %d: decode: %w", res.Pages+1, err)
			break
		}
		if page.Code != 0 {
			res.PageErr = fmt.Errorf("cursor page %d: code %d %s", res.Pages+1, page.Code, page.Message)
			break
		}
		res.Pages++

		for _, item := range page.Result.DataList {
			if item.Key != "" && item.Key != params.Key {
				continue
			}
			rec, ok, err := NormalizeFitnessItem(item)
			if err != nil {
				f.logger.Warn("skipping unreadable item", "error", err)
			}
			if !ok {
				res.Skipped++
				continue
			}
			res.Records = append(res.Records, rec)
		}
		f.logger.Debug("fetched cursor page", "page", res.Pages, "items", len(page.Result.DataList), "hasMore", page.Result.HasMore)

		next := page.Result.NextKey
		if !page.Result.HasMore || next == "" || seen[next] {
			break
		}
		seen[next] = true
		params.NextKey = next
	}

	if res.PageErr != nil {
		f.logger.Warn("cursor pagination stopped early", "pages", res.Pages, "records", len(res.Records), "error", res.PageErr)
	}
	f.logger.Info("cursor fetch finished", "records", len(res.Records), "pages", res.Pages)
	return res
}

// =============================================================================
// LEGACY WINDOWED PAGINATION
// =============================================================================

type legacyWindow struct {
	EndTime   int64 `json:"endTime"`
	BeginTime int64 `json:"beginTime"`
}

type legacyParams struct {
	Param legacyWindow `json:"param"`
	Model string       `json:"model"`
	UID   int64        `json:"uid"`
	DID   int          `json:"did"`
}

type legacyRequest struct {
	EcoAPI string `json:"eco_api"`
	Params string `json:"params"`
}

type legacyResponse struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
	Result  struct {
		Resp string `json:"resp"`
	} `json:"result"`
}

type legacyInner struct {
	Code   int         `json:"code"`
	Result []ScaleItem `json:"result"`
}

// FetchLegacy pages the scale proxy API backwards in time. A short page, an
// empty page or a cursor that stops decreasing ends the loop.
func (f *Fetcher) FetchLegacy(ctx context.Context, opts FetchOptions) *FetchResult {
	res := &FetchResult{Strategy: StrategyLegacy}

	cred := f.caller.Credential()
	if cred == nil {
		res.PageErr = errors.New("legacy fetch: no credential")
		return res
	}
	uid, err := uidOf(cred.UserID)
	if err != nil {
		res.PageErr = fmt.Errorf("legacy fetch: %w", err)
		return res
	}
	model := opts.Model
	if model == "" {
		model = DefaultModel
	}

	cursor := f.now().UnixMilli()
	if !opts.Until.IsZero() {
		cursor = opts.Until.UnixMilli()
	}
	var sinceMillis int64
	if !opts.Since.IsZero() {
		sinceMillis = opts.Since.UnixMilli()
	}

	for cursor > 0 {
		items, err := f.legacyPage(ctx, uid, model, cursor)
		if err != nil {
			res.PageErr = fmt.Errorf("legacy page %d: %w", res.Pages+1, err)
			break
		}
		if len(items) == 0 {
			break
		}
		res.Pages++

		oldest := cursor
		for _, item := range items {
			if item.CreateTime < oldest {
				oldest = item.CreateTime
			}
			if item.CreateTime < sinceMillis {
				continue
			}
			rec, ok, err := NormalizeScaleItem(item)
			if err != nil {
				f.logger.Warn("skipping unreadable item", "error", err)
			}
			if !ok {
				res.Skipped++
				continue
			}
			res.Records = append(res.Records, rec)
		}
		f.logger.Debug("fetched legacy page", "page", res.Pages, "items", len(items))

		if len(items) < legacyPageSize || oldest >= cursor || oldest < sinceMillis {
			break
		}
		cursor = oldest
	}

	if res.PageErr != nil {
		f.logger.Warn("legacy pagination stopped early", "pages", res.Pages, "records", len(res.Records), "error", res.PageErr)
	}
	f.logger.Info("legacy fetch finished", "records", len(res.Records), "pages", res.Pages)
	return res
}

func (f *Fetcher) legacyPage(ctx context.Context, uid int64, model string, begin int64) ([]ScaleItem, error) {
	inner, err := compactJSON(legacyParams{
		Param: legacyWindow{EndTime: 1, BeginTime: begin},
		Model: model,
		UID:   uid,
	})
	if err != nil {
		return nil, err
	}

	raw, err := f.caller.Call(ctx, PathAPIProxy, legacyRequest{EcoAPI: legacyEcoAPI, Params: string(inner)})
	if err != nil {
		return nil, err
	}
	var outer legacyResponse
	if err := json.Unmarshal(raw, &outer); err != nil {
		return nil, fmt.Errorf("decode: %w", err)
	}
	if outer.Code != 0 {
		return nil, fmt.Errorf("code %d %s", outer.Code, outer.Message)
	}
	if outer.Result.Resp == "" {
		return nil, nil
	}
	var body legacyInner
	if err := json.Unmarshal([]byte(outer.Result.Resp), &body); err != nil {
		return nil, fmt.Errorf("decode resp: %w", err)
	}
	if body.Code != 0 {
		return nil, fmt.Errorf("inner code %d", body.Code)
	}
	return body.Result, nil
}
