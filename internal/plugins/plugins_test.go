package plugins

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"runplane/internal/bus"
	"runplane/internal/dispatch"
	"runplane/internal/env"
)

func hookContext(t *testing.T, args ...string) *dispatch.HookContext {
	t.Helper()
	p, err := dispatch.NewPlugins(Default(nil)...)
	require.NoError(t, err)
	parsed, err := p.ParseArgs(args)
	require.NoError(t, err)
	return &dispatch.HookContext{
		Args: parsed,
		Includes: []bus.Library{
			{Name: "a", Source: "A"},
			{Name: "b", Source: "B"},
		},
	}
}

func TestSetEnv(t *testing.T) {
	hc := hookContext(t, "--set", "X=1", "--set=Y=a=b", "extra")
	base := env.Env{"Z": env.String("z")}

	res, err := SetEnv{}.Before(context.Background(), hc, "body", base)
	require.NoError(t, err)
	require.Equal(t, "1", res.Env["X"].Scalar())
	require.Equal(t, "a=b", res.Env["Y"].Scalar())
	require.Equal(t, "z", res.Env["Z"].Scalar())
	require.NotContains(t, base, "X")
	require.Equal(t, []string{"extra"}, hc.Args.Rest)
}

func TestSetEnv_Invalid(t *testing.T) {
	hc := hookContext(t, "--set", "novalue")
	_, err := SetEnv{}.Before(context.Background(), hc, "body", env.Env{})
	require.Error(t, err)
}

func TestWhen(t *testing.T) {
	hc := hookContext(t, "--when", "READY")

	res, err := When{}.Before(context.Background(), hc, "", env.Env{})
	require.NoError(t, err)
	require.True(t, res.Skip)

	res, err = When{}.Before(context.Background(), hc, "", env.Env{"READY": env.String("yes")})
	require.NoError(t, err)
	require.False(t, res.Skip)
}

func TestInclude(t *testing.T) {
	libs, err := Include{}.Libraries(context.Background(), hookContext(t))
	require.NoError(t, err)
	require.Len(t, libs, 2)

	libs, err = Include{}.Libraries(context.Background(), hookContext(t, "--include", "b"))
	require.NoError(t, err)
	require.Equal(t, []bus.Library{{Name: "b", Source: "B"}}, libs)

	_, err = Include{}.Libraries(context.Background(), hookContext(t, "--include", "missing"))
	require.Error(t, err)
}

func TestAudit(t *testing.T) {
	err := Audit{}.After(context.Background(), &dispatch.HookContext{}, nil, []dispatch.NodeResult{{RetCode: 1}})
	require.NoError(t, err)
}
