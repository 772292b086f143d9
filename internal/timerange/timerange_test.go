package timerange

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/leapstack-labs/esmflow/pkg/core"
)

func TestValidate(t *testing.T) {
	tests := []struct {
		name      string
		input     string
		errSubstr string
	}{
		{name: "years", input: "1990/2000"},
		{name: "full dates", input: "19900101/20001231"},
		{name: "date time", input: "19900101T000000/20001231T235959"},
		{name: "start wildcard", input: "*/2000"},
		{name: "both wildcards", input: "*/*"},
		{name: "duration end", input: "1990/P5Y"},
		{name: "duration start", input: "P1Y2M/2000"},
		{name: "missing separator", input: "1990", errSubstr: "separated by `/`"},
		{name: "two durations", input: "P1Y/P2Y", errSubstr: "both the beginning and the end"},
		{name: "bad date", input: "19x0/2000", errSubstr: "not valid date"},
		{name: "partial wildcard", input: "19*/2000", errSubstr: "must be used alone"},
		{name: "bad duration", input: "1990/P5X", errSubstr: "not valid duration"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := Validate(tt.input)
			if tt.errSubstr == "" {
				assert.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.errSubstr)
			assert.True(t, errors.Is(err, core.ErrConfiguration))
		})
	}
}

func TestParse(t *testing.T) {
	tests := []struct {
		input      string
		start, end string
	}{
		{"1990/2000", "1990", "2000"},
		{"2000/P5Y", "20000101", "20050101"},
		{"P1M/200003", "20000201", "20000301"},
		{"20000101T000000/PT12H", "20000101T000000", "20000101T120000"},
	}
	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			start, end, err := Parse(tt.input)
			require.NoError(t, err)
			assert.Equal(t, tt.start, start)
			assert.Equal(t, tt.end, end)
		})
	}
}

func TestTruncate(t *testing.T) {
	a, b := Truncate("2000", "20050615")
	assert.Equal(t, int64(2000), a)
	assert.Equal(t, int64(2005), b)

	a, b = Truncate("2000-01-01", "19991231")
	assert.Equal(t, int64(20000101), a)
	assert.Equal(t, int64(19991231), b)
}

func TestFromDates(t *testing.T) {
	assert.Equal(t, "0850/1850", FromDates("850", "1850"))
	assert.Equal(t, "*/2000", FromDates("*", "2000"))
	assert.Equal(t, "2003/2005", FromInts(2003, 2005))
	assert.Equal(t, "1990/P5Y", FromDates("1990", "P5Y"))
}

func TestYears(t *testing.T) {
	start, end, err := Years("199001/P10Y")
	require.NoError(t, err)
	assert.Equal(t, 1990, start)
	assert.Equal(t, 2000, end)
}

func TestReplaceWildcards(t *testing.T) {
	tests := []struct {
		input, want string
	}{
		{"*", "185001/200512"},
		{"*/1900", "185001/1900"},
		{"1900/*", "1900/200512"},
		{"1900/1950", "1900/1950"},
	}
	for _, tt := range tests {
		got, err := ReplaceWildcards(tt.input, "185001", "200512")
		require.NoError(t, err)
		assert.Equal(t, tt.want, got)
	}
}

func TestFromFilename(t *testing.T) {
	tests := []struct {
		name       string
		start, end string
		ok         bool
	}{
		{"tas_Amon_MODEL_historical_r1i1p1_185001-200512.nc", "185001", "200512", true},
		{"pr_day_MODEL_ssp585_r1i1p1f1_gn_20150101-21001231.nc", "20150101", "21001231", true},
		{"OBS_ERA5_reanaly_1_Amon_tas_1979_2018.nc", "1979", "2018", true},
		{"sftlf_fx_MODEL_historical_r0i0p0.nc", "", "", false},
		{"tas_MODEL_2000.nc", "2000", "2000", true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			start, end, ok := FromFilename(tt.name)
			assert.Equal(t, tt.ok, ok)
			assert.Equal(t, tt.start, start)
			assert.Equal(t, tt.end, end)
		})
	}
}

func TestOverlaps(t *testing.T) {
	ok, err := Overlaps("2000/2005", "199901", "200012")
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = Overlaps("2000/2005", "200601", "201012")
	require.NoError(t, err)
	assert.False(t, ok)

	ok, err = Overlaps("*", "185001", "200512")
	require.Error(t, err)
	assert.False(t, ok)
}
