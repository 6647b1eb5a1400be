package instruments

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vsharma2491/trading-algo/internal/contracts"
)

const dumpCSV = `instrument_token,exchange_token,tradingsymbol,name,last_price,expiry,strike,tick_size,lot_size,instrument_type,segment,exchange
101,1,NIFTY2580724400CE,NIFTY,0,2025-08-07,24400,0.05,75,CE,NFO-OPT,NFO
102,2,NIFTY2580724450CE,NIFTY,0,2025-08-07,24450,0.05,75,CE,NFO-OPT,NFO
103,3,NIFTY2580724500CE,NIFTY,0,2025-08-07,24500,0.05,75,CE,NFO-OPT,NFO
104,4,NIFTY2580724400PE,NIFTY,0,2025-08-07,24400,0.05,75,PE,NFO-OPT,NFO
105,5,NIFTY2580724350PE,NIFTY,0,2025-08-07,24350,0.05,75,PE,NFO-OPT,NFO
106,6,NIFTY2580724300PE,NIFTY,0,2025-08-07,24300,0.05,75,PE,NFO-OPT,NFO
107,7,BANKNIFTY2580752000CE,BANKNIFTY,0,2025-08-07,52000,0.05,35,CE,NFO-OPT,NFO
108,8,NIFTY25AUGFUT,NIFTY,0,2025-08-28,0,0.05,75,FUT,NFO-FUT,NFO
`

func loadedMaster(t *testing.T) *Master {
	t.Helper()
	entries, err := parseDump(strings.NewReader(dumpCSV), "NIFTY25807")
	require.NoError(t, err)
	m := &Master{}
	m.Load("NIFTY25807", entries)
	return m
}

func TestParseDumpFiltersSeriesAndType(t *testing.T) {
	m := loadedMaster(t)

	// Other series and futures rows are excluded.
	assert.Equal(t, 6, m.Count())
	assert.Equal(t, int64(50), m.StrikeStep())
}

func TestParseDumpMissingColumn(t *testing.T) {
	_, err := parseDump(strings.NewReader("a,b,c\n1,2,3\n"), "NIFTY25807")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "missing column")
}

func TestNearestStrike(t *testing.T) {
	m := loadedMaster(t)

	entry, err := m.Nearest(contracts.OptionTypeCE, 24460)
	require.NoError(t, err)
	assert.Equal(t, int64(24450), entry.Strike)

	entry, err = m.Nearest(contracts.OptionTypePE, 24310)
	require.NoError(t, err)
	assert.Equal(t, int64(24300), entry.Strike)
}

func TestNearestStrikeOutsideTolerance(t *testing.T) {
	m := loadedMaster(t)

	// Far outside the chain: the best candidate misses by more than
	// half a strike step.
	_, err := m.Nearest(contracts.OptionTypeCE, 30000)
	assert.ErrorIs(t, err, ErrNoInstrument)
}

func TestEntryInstrumentIdentity(t *testing.T) {
	m := loadedMaster(t)

	entry, err := m.Nearest(contracts.OptionTypeCE, 24500)
	require.NoError(t, err)

	ins := entry.Instrument("NIFTY25807")
	assert.Equal(t, "NIFTY2580724500CE", ins.Symbol())
	assert.Equal(t, "NFO:NIFTY2580724500CE", ins.Key())
}
