package storage

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	influxdb2 "github.com/influxdata/influxdb-client-go/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type influxServer struct {
	mu      sync.Mutex
	writes  []string
	queries []string
	status  int
	csv     string
}

func (s *influxServer) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	body, _ := io.ReadAll(r.Body)
	s.mu.Lock()
	defer s.mu.Unlock()

	switch r.URL.Path {
	case "/api/v2/write":
		s.writes = append(s.writes, string(body))
		if s.status != 0 {
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(s.status)
			_, _ = w.Write([]byte(`{"code":"internal error","message":"disk full"}`))
			return
		}
		w.WriteHeader(http.StatusNoContent)
	case "/api/v2/query":
		s.queries = append(s.queries, string(body))
		w.Header().Set("Content-Type", "text/csv; charset=utf-8")
		_, _ = w.Write([]byte(s.csv))
	default:
		w.WriteHeader(http.StatusNotFound)
	}
}

func newInflux(t *testing.T, srv *influxServer) *InfluxReadings {
	t.Helper()
	ts := httptest.NewServer(srv)
	t.Cleanup(ts.Close)
	client := influxdb2.NewClient(ts.URL, "token")
	t.Cleanup(client.Close)
	return NewInfluxReadings(client, "greenhouse", "readings")
}

func TestInfluxReadings_PersistWritesPoint(t *testing.T) {
	srv := &influxServer{}
	s := newInflux(t, srv)
	ts := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)

	id, err := s.PersistReading(context.Background(), reading(devA, 20.5, ts))
	require.NoError(t, err)
	assert.NotEmpty(t, id)

	srv.mu.Lock()
	defer srv.mu.Unlock()
	require.Len(t, srv.writes, 1)
	line := srv.writes[0]
	assert.True(t, strings.HasPrefix(line, "sensor_data,device_id="+devA+" "), line)
	assert.Contains(t, line, "temperature=20.5")
	assert.Contains(t, line, "air_quality_analog=200i")
	assert.Contains(t, line, `id="`+id+`"`)
}

func TestInfluxReadings_PersistFailure(t *testing.T) {
	srv := &influxServer{status: http.StatusInternalServerError}
	s := newInflux(t, srv)

	_, err := s.PersistReading(context.Background(), reading(devA, 20, time.Now()))
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrPersistence)
}

func TestInfluxReadings_RecentReadings(t *testing.T) {
	srv := &influxServer{csv: "#datatype,string,long,dateTime:RFC3339,string,string,double,double,double,long\n" +
		"#group,false,false,false,true,false,false,false,false,false\n" +
		"#default,_result,,,,,,,,\n" +
		",result,table,_time,device_id,id,temperature,humidity,pressure,air_quality_analog\n" +
		",,0,2024-05-01T12:05:00Z," + devA + ",r2,21,41,1001,201\n" +
		",,0,2024-05-01T12:00:00Z," + devA + ",r1,20,40,1000,200\n\n"}
	s := newInflux(t, srv)

	got, err := s.RecentReadings(context.Background(), devA, 2)
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, "r1", got[0].ID)
	assert.Equal(t, 20.0, got[0].Temperature)
	assert.Equal(t, 201, got[1].AirQuality)
	assert.Equal(t, time.Date(2024, 5, 1, 12, 5, 0, 0, time.UTC), got[1].Timestamp)

	srv.mu.Lock()
	defer srv.mu.Unlock()
	require.Len(t, srv.queries, 1)
	assert.Contains(t, srv.queries[0], devA)
	assert.Contains(t, srv.queries[0], "limit(n: 2)")
}

func TestInfluxReadings_RejectsNonUUIDDevice(t *testing.T) {
	s := newInflux(t, &influxServer{})

	_, err := s.RecentReadings(context.Background(), `x") |> drop(`, 5)
	assert.ErrorIs(t, err, ErrNotFound)
}
