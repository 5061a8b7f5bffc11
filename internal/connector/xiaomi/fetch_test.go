package xiaomi

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hayashishungenn/garmin-weight-sync/pkg/syncerr"
)

// fakeCaller replays canned responses per path and records requests.
type fakeCaller struct {
	responses map[string][]fakeResponse
	calls     map[string][]json.RawMessage
	cred      *Credential
}

type fakeResponse struct {
	body string
	err  error
}

func newFakeCaller() *fakeCaller {
	return &fakeCaller{
		responses: map[string][]fakeResponse{},
		calls:     map[string][]json.RawMessage{},
		cred:      testCredential(),
	}
}

func (f *fakeCaller) push(path, body string) { f.responses[path] = append(f.responses[path], fakeResponse{body: body}) }

func (f *fakeCaller) pushErr(path string, err error) {
	f.responses[path] = append(f.responses[path], fakeResponse{err: err})
}

func (f *fakeCaller) Call(_ context.Context, path string, params any) (json.RawMessage, error) {
	raw, err := compactJSON(params)
	if err != nil {
		return nil, err
	}
	f.calls[path] = append(f.calls[path], raw)
	queue := f.responses[path]
	if len(queue) == 0 {
		return nil, fmt.Errorf("no response queued for %s", path)
	}
	next := queue[0]
	f.responses[path] = queue[1:]
	if next.err != nil {
		return nil, next.err
	}
	return json.RawMessage(next.body), nil
}

func (f *fakeCaller) Credential() *Credential { return f.cred }

func fitnessItem(sid string, ts int64, value string) string {
	b, _ := json.Marshal(map[string]any{"sid": sid, "key": "weight", "time": ts, "value": value})
	return string(b)
}

func cursorPage(hasMore bool, next string, items ...string) string {
	return fmt.Sprintf(`{"code":0,"result":{"data_list":[%s],"has_more":%t,"next_key":%q}}`,
		strings.Join(items, ","), hasMore, next)
}

func TestFetchCursorStopsWhenNoMore(t *testing.T) {
	fc := newFakeCaller()
	fc.push(PathFitnessData, cursorPage(true, "k1",
		fitnessItem("s1", 1700000000, `{"weight":70.1,"bmi":22.4}`),
		fitnessItem("s1", 1700000100, `{"w":"70.3"}`)))
	fc.push(PathFitnessData, cursorPage(false, "k2",
		fitnessItem("s2", 1700000200, `{"weight":70.5}`)))
	// Never requested: pagination must stop after page 2.
	fc.push(PathFitnessData, cursorPage(false, "", fitnessItem("s3", 1700000300, `{"weight":99}`)))

	f := NewFetcher(fc, nil)
	res, err := f.Fetch(context.Background(), FetchOptions{})
	require.NoError(t, err)

	assert.Equal(t, StrategyCursor, res.Strategy)
	assert.Equal(t, 2, res.Pages)
	require.Len(t, res.Records, 3)
	assert.Equal(t, []float64{70.1, 70.3, 70.5},
		[]float64{res.Records[0].WeightKg, res.Records[1].WeightKg, res.Records[2].WeightKg})
	require.Len(t, fc.calls[PathFitnessData], 2)

	var second cursorParams
	require.NoError(t, json.Unmarshal(fc.calls[PathFitnessData][1], &second))
	assert.Equal(t, "k1", second.NextKey)
	assert.Equal(t, int64(1), second.StartTime)
	assert.Equal(t, "weight", second.Key)
	assert.Empty(t, fc.calls[PathAPIProxy], "legacy api is not consulted when cursor returns data")
}

func TestFetchCursorKeepsPartialResults(t *testing.T) {
	fc := newFakeCaller()
	fc.push(PathFitnessData, cursorPage(true, "k1", fitnessItem("s1", 1700000000, `{"weight":70}`)))
	fc.pushErr(PathFitnessData, syncerr.Transport(502, errors.New("bad gateway")))

	res, err := NewFetcher(fc, nil).Fetch(context.Background(), FetchOptions{})
	require.NoError(t, err)
	require.Len(t, res.Records, 1)
	assert.Error(t, res.PageErr)
}

func TestFetchCursorStopsOnRepeatedCursor(t *testing.T) {
	fc := newFakeCaller()
	fc.push(PathFitnessData, cursorPage(true, "same", fitnessItem("s1", 1700000000, `{"weight":70}`)))
	fc.push(PathFitnessData, cursorPage(true, "same", fitnessItem("s1", 1700000100, `{"weight":71}`)))
	fc.push(PathFitnessData, cursorPage(true, "same", fitnessItem("s1", 1700000200, `{"weight":72}`)))

	res := NewFetcher(fc, nil).FetchCursor(context.Background(), FetchOptions{})
	assert.Equal(t, 2, res.Pages)
}

func legacyPage(items ...map[string]any) string {
	inner, _ := json.Marshal(map[string]any{"code": 0, "result": items})
	outer, _ := json.Marshal(map[string]any{"code": 0, "result": map[string]any{"resp": string(inner)}})
	return string(outer)
}

func scaleItem(source int, createMillis int64, data map[string]any) map[string]any {
	b, _ := json.Marshal(data)
	return map[string]any{"fromSource": source, "createTime": createMillis, "data": string(b)}
}

func TestFetchFallsBackToLegacy(t *testing.T) {
	fc := newFakeCaller()
	fc.push(PathFitnessData, cursorPage(false, ""))

	now := time.Date(2024, 5, 1, 0, 0, 0, 0, time.UTC)
	full := make([]map[string]any, 0, legacyPageSize)
	for i := 0; i < legacyPageSize; i++ {
		full = append(full, scaleItem(1, now.UnixMilli()-int64(i+1)*60_000, map[string]any{"weight": 70.0 + float64(i)/10}))
	}
	fc.push(PathAPIProxy, legacyPage(full...))
	bodyRes, _ := json.Marshal(map[string]any{"bfp": "18.5", "vfl": 7})
	fc.push(PathAPIProxy, legacyPage(
		scaleItem(3, now.UnixMilli()-100*60_000, map[string]any{"weight": "68.2", "heartRate": 61, "bodyResData": string(bodyRes)}),
	))

	f := NewFetcher(fc, nil)
	f.now = func() time.Time { return now }
	res, err := f.Fetch(context.Background(), FetchOptions{Model: "yunmai.scales.ms104"})
	require.NoError(t, err)

	assert.Equal(t, StrategyLegacy, res.Strategy)
	assert.Equal(t, 2, res.Pages)
	require.Len(t, res.Records, legacyPageSize+1)

	last := res.Records[legacyPageSize]
	assert.Equal(t, 68.2, last.WeightKg)
	require.NotNil(t, last.HeartRateBpm)
	assert.Equal(t, 61, *last.HeartRateBpm)
	require.NotNil(t, last.BodyFatPct)
	assert.Equal(t, 18.5, *last.BodyFatPct)
	require.NotNil(t, last.VisceralFatRating)
	assert.Equal(t, 7, *last.VisceralFatRating)
	assert.Equal(t, "legacy:3", last.SourceTag)

	calls := fc.calls[PathAPIProxy]
	require.Len(t, calls, 2)
	var outer legacyRequest
	require.NoError(t, json.Unmarshal(calls[1], &outer))
	assert.Equal(t, legacyEcoAPI, outer.EcoAPI)
	var inner legacyParams
	require.NoError(t, json.Unmarshal([]byte(outer.Params), &inner))
	assert.Equal(t, "yunmai.scales.ms104", inner.Model)
	assert.Equal(t, int64(1001), inner.UID)
	assert.Equal(t, int64(1), inner.Param.EndTime)
	assert.Equal(t, now.UnixMilli()-int64(legacyPageSize)*60_000, inner.Param.BeginTime)
}

func TestFetchBothStrategiesFail(t *testing.T) {
	fc := newFakeCaller()
	fc.pushErr(PathFitnessData, errors.New("down"))
	fc.pushErr(PathAPIProxy, errors.New("down"))

	_, err := NewFetcher(fc, nil).Fetch(context.Background(), FetchOptions{})
	assert.Equal(t, syncerr.CodePagination, syncerr.CodeOf(err))
}

func TestFetchNothingIsNotAnError(t *testing.T) {
	fc := newFakeCaller()
	fc.push(PathFitnessData, cursorPage(false, ""))
	fc.push(PathAPIProxy, legacyPage())

	res, err := NewFetcher(fc, nil).Fetch(context.Background(), FetchOptions{})
	require.NoError(t, err)
	assert.Empty(t, res.Records)
}
