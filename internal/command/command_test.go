package command

import (
	"errors"
	"testing"

	"github.com/loykin/supervisr/internal/controller"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBuild(t *testing.T) {
	b, err := New(map[string]Template{
		"ppa":     {Command: `ppa --mid {{.MID}} --in {{quote (param .Params "input" "none")}}`, WorkDir: "/tmp", Env: []string{"A=1"}},
		"darkcal": {Command: `darkcal {{.SID}} {{json .Params}}`},
	})
	require.NoError(t, err)
	assert.Equal(t, []controller.Kind{controller.KindDarkcal, controller.KindPpa}, b.Kinds())

	l, err := b.Build(controller.NewPpa(controller.PpaData{MID: "m7", Params: controller.Params{"input": "it's.bam"}}))
	require.NoError(t, err)
	assert.Equal(t, `ppa --mid m7 --in 'it'\''s.bam'`, l.Command)
	assert.Equal(t, "/tmp", l.WorkDir)
	assert.Equal(t, []string{"A=1"}, l.Env)

	l, err = b.Build(controller.NewPpa(controller.PpaData{MID: "m8"}))
	require.NoError(t, err)
	assert.Equal(t, `ppa --mid m8 --in 'none'`, l.Command)

	l, err = b.Build(controller.NewDarkcal(controller.CalData{SID: "s1", Params: controller.Params{"n": 3}}))
	require.NoError(t, err)
	assert.Equal(t, `darkcal s1 {"n":3}`, l.Command)
}

func TestBuild_NoTemplate(t *testing.T) {
	b, err := New(nil)
	require.NoError(t, err)
	_, err = b.Build(controller.NewBasecaller(controller.BasecallerData{SID: "s"}))
	assert.True(t, errors.Is(err, ErrNoTemplate))
}

func TestNew_Rejects(t *testing.T) {
	_, err := New(map[string]Template{"scheduler": {Command: "x"}})
	assert.Error(t, err)
	_, err = New(map[string]Template{"ppa": {Command: "  "}})
	assert.Error(t, err)
	_, err = New(map[string]Template{"ppa": {Command: "{{.MID"}})
	assert.Error(t, err)
}

func TestBuild_MissingFieldFails(t *testing.T) {
	b, err := New(map[string]Template{"ppa": {Command: "ppa {{.Nope}}"}})
	require.NoError(t, err)
	_, err = b.Build(controller.NewPpa(controller.PpaData{MID: "m"}))
	assert.Error(t, err)
}

func TestDefaultsCompile(t *testing.T) {
	b, err := New(Defaults())
	require.NoError(t, err)
	for _, w := range []controller.Workload{
		controller.NewBasecaller(controller.BasecallerData{SID: "s"}),
		controller.NewPpa(controller.PpaData{MID: "m"}),
		controller.NewDarkcal(controller.CalData{SID: "s"}),
		controller.NewLoadingcal(controller.CalData{SID: "s", Params: controller.Params{"movie_length": 30}}),
	} {
		l, err := b.Build(w)
		require.NoError(t, err, w.Kind)
		assert.NotEmpty(t, l.Command)
	}
}
