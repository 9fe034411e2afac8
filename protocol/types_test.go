package protocol

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestIDTextEncoding(t *testing.T) {
	id := NewTaskID()
	parsed, err := ParseTaskID(id.String())
	require.NoError(t, err)
	require.Equal(t, id, parsed)
	require.NotContains(t, id.String(), "=")

	_, err = ParseTaskID("dG9vLXNob3J0")
	require.ErrorIs(t, err, errInvalidLength)
	_, err = ParseTaskID("not base64!")
	require.Error(t, err)

	md := ReportMetadata{ID: NewReportID(), Time: 1700000000}
	data, err := json.Marshal(md)
	require.NoError(t, err)
	var back ReportMetadata
	require.NoError(t, json.Unmarshal(data, &back))
	require.Equal(t, md, back)

	jobID := NewAggregationJobID()
	parsedJob, err := ParseAggregationJobID(jobID.String())
	require.NoError(t, err)
	require.Equal(t, jobID, parsedJob)
}

func TestTimeArithmetic(t *testing.T) {
	ts := Time(7250)
	require.Equal(t, Time(7200), ts.ToBatchIntervalStart(3600))
	require.Equal(t, ts, ts.ToBatchIntervalStart(0))
	require.Equal(t, Time(0), Time(10).Sub(20))
	require.Equal(t, Time(7260), ts.Add(10))
	require.True(t, Time(1).Before(2))
	require.True(t, Time(2).After(1))

	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	require.Equal(t, now, FromTime(now).AsTime())
	require.Equal(t, Time(0), FromTime(time.Unix(-5, 0)))
	require.Equal(t, Duration(90), DurationFrom(90*time.Second+300*time.Millisecond))
	require.Equal(t, time.Minute, Duration(60).AsDuration())
}

func TestInterval(t *testing.T) {
	i := Interval{Start: 3600, Duration: 3600}
	require.True(t, i.Contains(3600))
	require.True(t, i.Contains(7199))
	require.False(t, i.Contains(7200))
	require.True(t, i.AlignedTo(3600))
	require.False(t, Interval{Start: 60, Duration: 3600}.AlignedTo(3600))
	require.False(t, i.AlignedTo(0))

	require.True(t, i.Overlaps(Interval{Start: 7000, Duration: 500}))
	require.False(t, i.Overlaps(Interval{Start: 7200, Duration: 10}), "half-open")

	require.Equal(t, Interval{Start: 50, Duration: 1}, Interval{}.Merge(50))
	require.Equal(t, Interval{Start: 10, Duration: 41}, Interval{Start: 50, Duration: 1}.Merge(10))
	require.Equal(t, Interval{Start: 0, Duration: 7200}, i.MergeInterval(Interval{Start: 0, Duration: 100}))
	require.Equal(t, i, Interval{}.MergeInterval(i))
	require.Equal(t, "[3600, 7200)", i.String())
}

func TestBatchIdentifier(t *testing.T) {
	interval := IntervalBatch(Interval{Start: 3600, Duration: 3600})
	fixed := FixedSizeBatch(NewBatchID())
	require.False(t, interval.IsFixedSize())
	require.True(t, fixed.IsFixedSize())
	require.Len(t, interval.Encode(), 16)
	require.Len(t, fixed.Encode(), 32)

	for _, b := range []BatchIdentifier{interval, fixed} {
		decoded, err := DecodeBatchIdentifier(b.Encode())
		require.NoError(t, err)
		require.Equal(t, b, decoded)
		require.Equal(t, b.Key(), decoded.Key())

		data, err := json.Marshal(b)
		require.NoError(t, err)
		var back BatchIdentifier
		require.NoError(t, json.Unmarshal(data, &back))
		require.Equal(t, b, back)
	}

	_, err := DecodeBatchIdentifier(make([]byte, 20))
	require.ErrorIs(t, err, errInvalidLength)

	var b BatchIdentifier
	require.Error(t, json.Unmarshal([]byte(`{}`), &b))
}

func TestReportIDChecksum(t *testing.T) {
	a, b := NewReportID(), NewReportID()
	var empty ReportIDChecksum

	ab := empty.Updated(a).Updated(b)
	ba := empty.Updated(b).Updated(a)
	require.Equal(t, ab, ba)
	require.Equal(t, empty, ab.Updated(a).Updated(b))
	require.Equal(t, ab, empty.Updated(a).Combined(empty.Updated(b)))

	data, err := json.Marshal(ab)
	require.NoError(t, err)
	var back ReportIDChecksum
	require.NoError(t, json.Unmarshal(data, &back))
	require.Equal(t, ab, back)
}

func TestProblemFromResponse(t *testing.T) {
	w := httptest.NewRecorder()
	w.WriteHeader(http.StatusBadRequest)
	w.WriteString(`{"type":"` + string(ProblemBatchInvalid) + `","detail":"misaligned"}`)
	err := ProblemFromResponse(w.Result())
	require.Equal(t, &ProblemDocument{Type: ProblemBatchInvalid, Status: http.StatusBadRequest, Detail: "misaligned"}, err)
	require.Equal(t, string(ProblemBatchInvalid)+": misaligned", err.Error())

	w = httptest.NewRecorder()
	w.WriteHeader(http.StatusBadGateway)
	w.WriteString("upstream down\n")
	err = ProblemFromResponse(w.Result())
	require.Equal(t, &ProblemDocument{Type: ProblemInternal, Status: http.StatusBadGateway, Detail: "upstream down"}, err)
}

func TestPrepareErrorAttribution(t *testing.T) {
	require.True(t, PrepareErrorReportReplayed.AttributableToReport())
	require.True(t, PrepareErrorHpkeDecryptError.AttributableToReport())
	require.False(t, PrepareErrorBatchCollected.AttributableToReport())
	require.False(t, PrepareErrorInternal.AttributableToReport())
}
