package acled

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	atlaserrors "github.com/conflictatlas/conflictatlas/internal/errors"
)

const header = "event_id_cnty,event_date,year,time_precision,disorder_type,event_type,sub_event_type,actor1,assoc_actor_1,inter1,actor2,assoc_actor_2,inter2,interaction,civilian_targeting,iso,region,country,admin1,admin2,admin3,location,latitude,longitude,geo_precision,source,source_scale,notes,fatalities,tags,timestamp\n"

func sampleCSV(rows ...string) string {
	return header + strings.Join(rows, "\n") + "\n"
}

const (
	rowBattle   = `HTI1001,2024-03-02,2024,1,Political violence,Battles,Armed clash,Viv Ansanm,,3,Police Forces of Haiti (2017-),,1,13,,332,Caribbean,Haiti,Ouest,Port-au-Prince,Port-au-Prince,Port-au-Prince,18.5392,-72.3350,1,Le Nouvelliste,National,"Gang clash near the port, ""heavy"" gunfire",4,,1710000000`
	rowViolence = `HTI1002,15 March 2024,2024,1,Political violence,Violence against civilians,Attack,Gran Grif,,3,Civilians (Haiti),,7,37,Civilian targeting,332,Caribbean,Haiti,Artibonite,Saint-Marc,Saint-Marc,Saint-Marc,19.1082,-72.6938,1,AFP,International,Attack on residents,2,,1710500000`
)

func TestReader_ParsesEvents(t *testing.T) {
	res, err := Reader{}.Read(strings.NewReader(sampleCSV(rowBattle, rowViolence)))
	require.NoError(t, err)
	require.Len(t, res.Events, 2)
	assert.Empty(t, res.Rejected)

	ev := res.Events[0]
	assert.Equal(t, "HTI1001", ev.ID)
	assert.Equal(t, time.Date(2024, 3, 2, 0, 0, 0, 0, time.UTC), ev.Date)
	assert.Equal(t, "Battles", ev.EventType)
	assert.Equal(t, "Viv Ansanm", ev.Actor1)
	assert.Equal(t, "Police Forces of Haiti (2017-)", ev.Actor2)
	assert.Equal(t, 4, ev.Fatalities)
	assert.InDelta(t, -72.3350, ev.Longitude, 1e-9)
	assert.InDelta(t, 18.5392, ev.Latitude, 1e-9)
	assert.Equal(t, "Ouest", ev.Admin1)
	assert.Contains(t, ev.Notes, `"heavy"`)
	assert.Equal(t, int64(1710000000), ev.Timestamp)
	assert.Equal(t, "HTI", ev.ISOAlpha3())
	assert.Equal(t, []string{"Viv Ansanm", "Police Forces of Haiti (2017-)"}, ev.Actors())

	assert.Equal(t, time.Date(2024, 3, 15, 0, 0, 0, 0, time.UTC), res.Events[1].Date)
	assert.Equal(t, -72.6938, res.Events[1].Point()[0])
}

func TestReader_CollectsRejectedRecordsInLenientMode(t *testing.T) {
	bad := []string{
		strings.Replace(rowBattle, "HTI1001", "", 1),
		strings.Replace(rowBattle, "2024-03-02", "yesterday", 1),
		strings.Replace(rowBattle, "18.5392", "95.0", 1),
		strings.Replace(rowBattle, "-72.3350", "west", 1),
		strings.Replace(rowBattle, ",4,,1710000000", ",-1,,1710000000", 1),
	}
	res, err := Reader{}.Read(strings.NewReader(sampleCSV(append(bad, rowViolence)...)))
	require.NoError(t, err)
	require.Len(t, res.Events, 1)
	require.Len(t, res.Rejected, 5)

	fields := make([]string, len(res.Rejected))
	for i, r := range res.Rejected {
		fields[i] = r.Field
	}
	assert.Equal(t, []string{"event_id_cnty", "event_date", "latitude", "longitude", "fatalities"}, fields)
	assert.Equal(t, 2, res.Rejected[0].Line, "header is line 1")
}

func TestReader_StrictModeStops(t *testing.T) {
	bad := strings.Replace(rowBattle, "18.5392", "north", 1)
	_, err := Reader{Strict: true}.Read(strings.NewReader(sampleCSV(rowViolence, bad)))
	require.Error(t, err)
	assert.Equal(t, atlaserrors.CodeMalformedRecord, atlaserrors.GetCode(err))

	var re RecordError
	require.True(t, errors.As(err, &re))
	assert.Equal(t, 3, re.Line)
	assert.Equal(t, "latitude", re.Field)
}

func TestReader_DropsDuplicates(t *testing.T) {
	res, err := Reader{}.Read(strings.NewReader(sampleCSV(rowBattle, rowViolence, rowBattle)))
	require.NoError(t, err)
	assert.Len(t, res.Events, 2)
	assert.Equal(t, 1, res.Duplicates)
}

func TestReader_MissingColumn(t *testing.T) {
	_, err := Reader{}.Read(strings.NewReader("event_id_cnty,event_date\nHTI1,2024-01-01\n"))
	require.Error(t, err)
	assert.Equal(t, atlaserrors.CodeMissingColumn, atlaserrors.GetCode(err))
}

func TestReader_EmptyInput(t *testing.T) {
	_, err := Reader{}.Read(strings.NewReader(""))
	require.Error(t, err)
	assert.Equal(t, atlaserrors.CodeEmptyInput, atlaserrors.GetCode(err))
}

func TestReader_BOMAndCaseInsensitiveHeader(t *testing.T) {
	in := "\ufeffEVENT_ID_CNTY,Event_Date,EVENT_TYPE,Actor1,Latitude,Longitude,Fatalities\nHTI9,2023-12-31,Protests,Protesters (Haiti),18.5,-72.3,0\n"
	res, err := Reader{}.Read(strings.NewReader(in))
	require.NoError(t, err)
	require.Len(t, res.Events, 1)
	assert.Equal(t, 2023, res.Events[0].Year)
}

func TestReader_ReadFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "haiti.csv")
	require.NoError(t, os.WriteFile(path, []byte(sampleCSV(rowBattle)), 0644))

	res, err := Reader{}.ReadFile(path)
	require.NoError(t, err)
	assert.Len(t, res.Events, 1)

	_, err = Reader{}.ReadFile(filepath.Join(t.TempDir(), "missing.csv"))
	assert.Error(t, err)
}

func TestFilter(t *testing.T) {
	res, err := Reader{}.Read(strings.NewReader(sampleCSV(rowBattle, rowViolence)))
	require.NoError(t, err)

	from := time.Date(2024, 3, 10, 0, 0, 0, 0, time.UTC)
	assert.Len(t, Filter{From: from}.Apply(res.Events), 1)
	assert.Len(t, Filter{To: from}.Apply(res.Events), 1)
	assert.Len(t, Filter{Country: "HTI"}.Apply(res.Events), 2)
	assert.Len(t, Filter{Country: "haiti"}.Apply(res.Events), 2)
	assert.Len(t, Filter{Country: "DOM"}.Apply(res.Events), 0)
	assert.Len(t, Filter{EventTypes: []string{"battles"}}.Apply(res.Events), 1)
	assert.Len(t, Filter{}.Apply(res.Events), 2)
}

func TestParseDate(t *testing.T) {
	for _, s := range []string{"2024-01-05", "05 January 2024", "5 January 2024"} {
		d, err := ParseDate(s)
		require.NoError(t, err, s)
		assert.Equal(t, time.Date(2024, 1, 5, 0, 0, 0, 0, time.UTC), d)
	}
	_, err := ParseDate("")
	assert.Error(t, err)
}
