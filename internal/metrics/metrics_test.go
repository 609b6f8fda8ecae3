package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
)

func TestMetricsExist(t *testing.T) {
	tests := []struct {
		name   string
		metric any
	}{
		{"HTTPRequestsTotal", HTTPRequestsTotal},
		{"HTTPRequestDuration", HTTPRequestDuration},
		{"CacheLookupsTotal", CacheLookupsTotal},
		{"CacheEvictionsTotal", CacheEvictionsTotal},
		{"CacheFiles", CacheFiles},
		{"FetchAttemptsTotal", FetchAttemptsTotal},
		{"FetchBytesTotal", FetchBytesTotal},
		{"TranscodeJobsTotal", TranscodeJobsTotal},
		{"TranscodeJobDuration", TranscodeJobDuration},
		{"TranscodeJobsInProgress", TranscodeJobsInProgress},
		{"TranscodeOutputBytesTotal", TranscodeOutputBytesTotal},
		{"StreamSubscribersDropped", StreamSubscribersDropped},
		{"BytesServedTotal", BytesServedTotal},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.NotNil(t, tt.metric)
		})
	}
}

func TestCacheLookupsTotal_Labels(t *testing.T) {
	before := testutil.ToFloat64(CacheLookupsTotal.WithLabelValues("hit"))
	CacheLookupsTotal.WithLabelValues("hit").Inc()
	assert.InDelta(t, before+1, testutil.ToFloat64(CacheLookupsTotal.WithLabelValues("hit")), 0.001)
}
