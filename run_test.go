package maininstance

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestInstance_RunEnvironment_pending(t *testing.T) {
	for _, tc := range [...]struct {
		Name     string
		SpinCode ExitCode
		SpinOK   bool
		LoadErr  error
		Code     ExitCode
	}{
		{Name: `success`, SpinOK: true, Code: ExitNoFailure},
		{Name: `nonzero status`, SpinCode: ExitCode(42), SpinOK: true, Code: ExitCode(42)},
		{Name: `no status`, SpinCode: ExitCode(42), Code: ExitGenericUserError},
		{Name: `load error still spins`, SpinOK: true, LoadErr: errors.New("no entry"), Code: ExitNoFailure},
	} {
		t.Run(tc.Name, func(t *testing.T) {
			f := newFixture()
			f.environments.spinCode = tc.SpinCode
			f.environments.spinOK = tc.SpinOK
			f.environments.loadErr = tc.LoadErr
			x, err := Attach(f.isolate, fakeLoop{}, f.platform, nil, nil, f.opts()...)
			require.NoError(t, err)

			code := x.RunEnvironment(ExitNoFailure, &fakeEnvironment{})
			assert.Equal(t, tc.Code, code)
			assert.Equal(t, 1, f.rec.Count("environments.LoadEnvironment"))
			assert.Equal(t, 1, f.rec.Count("environments.SpinEventLoop"))
			require.Len(t, f.environments.loadStart, 1)
			assert.Nil(t, f.environments.loadStart[0])
		})
	}
}

func TestInstance_RunEnvironment_completed(t *testing.T) {
	f := newFixture()
	x, err := Attach(f.isolate, fakeLoop{}, f.platform, nil, nil, f.opts()...)
	require.NoError(t, err)
	start := len(f.rec.Calls())

	code := x.RunEnvironment(ExitBootstrapFailure, &fakeEnvironment{})
	assert.Equal(t, ExitBootstrapFailure, code)
	assert.Empty(t, f.rec.Calls()[start:])
}

func TestInstance_Run_fresh(t *testing.T) {
	f := newFixture()
	f.environments.spinCode = ExitCode(7)
	x, err := NewOwned(nil, fakeLoop{}, f.platform, []string{"gojamain"}, nil, f.opts()...)
	require.NoError(t, err)
	start := len(f.rec.Calls())

	assert.Equal(t, ExitCode(7), x.Run())

	assert.Equal(t, []string{
		"iso.Lock",
		"iso.Enter",
		"iso.HandleScope",
		"iso.HandleScope",
		"iso.NewContext",
		"ctx1.Enter",
		"environments.CreateEnvironment(ctx1)",
		"ctx1.Exit",
		"iso.CloseHandleScope",
		"ctx1.Enter",
		"environments.LoadEnvironment",
		"environments.SpinEventLoop",
		"ctx1.Exit",
		"environments.FreeEnvironment",
		"iso.CloseHandleScope",
		"iso.Exit",
		"iso.Unlock",
	}, f.rec.Calls()[start:])
}

func TestInstance_Run_snapshot(t *testing.T) {
	f := newFixture()
	x, err := NewOwned(&fakeSnapshot{}, fakeLoop{}, f.platform, nil, nil, f.opts()...)
	require.NoError(t, err)
	start := len(f.rec.Calls())

	assert.Equal(t, ExitNoFailure, x.Run())

	calls := f.rec.Calls()[start:]
	assert.Contains(t, calls, "crypto.InitCryptoOnce(iso)")
	assert.Contains(t, calls, "recovered.Enter")
	assert.NotContains(t, calls, "iso.NewContext")
	assert.Equal(t, 1, f.rec.Count("environments.FreeEnvironment"))
}

func TestInstance_Run_creationFailure(t *testing.T) {
	f := newFixture()
	f.environments.createErr = errors.New("bootstrap failed")
	x, err := NewOwned(nil, fakeLoop{}, f.platform, nil, nil, f.opts()...)
	require.NoError(t, err)

	assert.Equal(t, ExitBootstrapFailure, x.Run())
	assert.Zero(t, f.rec.Count("environments.LoadEnvironment"))
	assert.Zero(t, f.rec.Count("environments.SpinEventLoop"))
	assert.Equal(t, 1, f.rec.Count("environments.FreeEnvironment"))
	assert.Equal(t, 1, f.rec.Count("iso.Unlock"))
}

func TestInstance_Run_nilEnvironmentPanics(t *testing.T) {
	f := newFixture()
	f.environments.nilEnv = true
	x, err := NewOwned(nil, fakeLoop{}, f.platform, nil, nil, f.opts()...)
	require.NoError(t, err)

	assert.PanicsWithValue(t, "maininstance: main environment is nil", func() { x.Run() })
	// deferred unwinding still releases the isolate
	assert.Equal(t, 1, f.rec.Count("iso.Unlock"))
}

func TestInstance_Run_attached(t *testing.T) {
	f := newFixture()
	x, err := Attach(f.isolate, fakeLoop{}, f.platform, nil, nil, f.opts()...)
	require.NoError(t, err)

	assert.Equal(t, ExitNoFailure, x.Run())
	require.NoError(t, x.Dispose())
	require.NoError(t, x.Close())
	assert.Zero(t, f.rec.Count("iso.Dispose"))
	assert.Equal(t, 1, f.rec.Count("platform.DrainTasks(iso)"))
}

func TestInstance_Run_closedPanics(t *testing.T) {
	f := newFixture()
	x, err := NewOwned(nil, fakeLoop{}, f.platform, nil, nil, f.opts()...)
	require.NoError(t, err)
	require.NoError(t, x.Close())
	calls := len(f.rec.Calls())

	assert.PanicsWithValue(t, "maininstance: instance is closed", func() { x.Run() })
	assert.PanicsWithValue(t, "maininstance: instance is closed", func() { x.CreateMainEnvironment() })
	assert.Len(t, f.rec.Calls(), calls)

	f = newFixture()
	x, err = Attach(f.isolate, fakeLoop{}, f.platform, nil, nil, f.opts()...)
	require.NoError(t, err)
	require.NoError(t, x.Close())
	assert.PanicsWithValue(t, "maininstance: instance is closed", func() { x.Run() })
}
