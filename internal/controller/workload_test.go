package controller

import (
	"errors"
	"testing"

	"github.com/loykin/supervisr/internal/health"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestKindStrategy(t *testing.T) {
	assert.Equal(t, StrategyReport, KindBasecaller.Strategy())
	assert.Equal(t, StrategyReport, KindPpa.Strategy())
	for _, k := range []Kind{KindStandard, KindDarkcal, KindLoadingcal} {
		assert.Equal(t, StrategyHeartbeat, k.Strategy(), k)
	}
}

func TestKindDecoder(t *testing.T) {
	s, ok := KindBasecaller.Decoder().Decode("STALLED")
	require.True(t, ok)
	assert.Equal(t, health.StateUnresponsive, s)

	s, ok = KindPpa.Decoder().Decode("done")
	require.True(t, ok)
	assert.Equal(t, health.StateDead, s)

	_, ok = KindPpa.Decoder().Decode("STALLED")
	assert.False(t, ok)
}

func TestParseKind(t *testing.T) {
	k, err := ParseKind(" DarkCal ")
	require.NoError(t, err)
	assert.Equal(t, KindDarkcal, k)
	_, err = ParseKind("scheduler")
	assert.Error(t, err)
}

func TestWorkloadValidate(t *testing.T) {
	assert.NoError(t, NewBasecaller(BasecallerData{SID: "s1"}).Validate())
	assert.NoError(t, NewLoadingcal(CalData{SID: "s1"}).Validate())

	err := NewPpa(PpaData{}).Validate()
	assert.True(t, errors.Is(err, ErrInvalidWorkload), "empty MID")

	mismatched := Workload{Kind: KindPpa, Basecaller: &BasecallerData{SID: "x"}}
	assert.True(t, errors.Is(mismatched.Validate(), ErrInvalidWorkload))

	two := NewPpa(PpaData{MID: "m"})
	two.Cal = &CalData{SID: "s"}
	assert.True(t, errors.Is(two.Validate(), ErrInvalidWorkload))
}

func TestWorkloadKeyAndParams(t *testing.T) {
	w := NewDarkcal(CalData{SID: "sock-3", Params: Params{"exposure": 1.5}})
	assert.Equal(t, "sock-3", w.Key())
	assert.Equal(t, 1.5, w.Params()["exposure"])
	assert.Equal(t, "m9", NewPpa(PpaData{MID: "m9"}).Key())
	assert.Equal(t, "", Workload{Kind: KindPpa}.Key())
}
