package plugin_test

import (
	"context"
	"regexp"
	"testing"

	"github.com/pacsd/pacsd/apierror"
	"github.com/pacsd/pacsd/index"
	"github.com/pacsd/pacsd/plugin"
)

func TestDispatchMatchesFirstRegisteredRoute(t *testing.T) {
	d := plugin.New()
	ctx := context.Background()
	var called string
	d.RegisterRoute(ctx, plugin.Route{
		Pattern: regexp.MustCompile(`^/plugin/.*$`),
		Callback: func(ctx context.Context, method, uri string, body []byte) ([]byte, int, error) {
			called = uri
			return []byte("ok"), 200, nil
		},
	})

	resp, status, ok, err := d.Dispatch(ctx, "GET", "/plugin/widgets", nil)
	if err != nil {
		t.Fatalf("Dispatch: %v", err)
	}
	if !ok {
		t.Fatalf("expected a matching route")
	}
	if status != 200 || string(resp) != "ok" {
		t.Errorf("unexpected response %d %q", status, resp)
	}
	if called != "/plugin/widgets" {
		t.Errorf("expected callback to observe the matched uri, got %q", called)
	}

	_, _, ok, err = d.Dispatch(ctx, "GET", "/unrelated", nil)
	if err != nil {
		t.Fatalf("Dispatch: %v", err)
	}
	if ok {
		t.Errorf("expected no match for an unregistered uri")
	}
}

func TestWorklistHandlerRejectsSecondRegistration(t *testing.T) {
	d := plugin.New()
	ctx := context.Background()
	h := func(ctx context.Context, q map[string]string) ([]map[string]string, error) { return nil, nil }

	if err := d.RegisterWorklistHandler(ctx, h); err != nil {
		t.Fatalf("first registration: %v", err)
	}
	err := d.RegisterWorklistHandler(ctx, h)
	ae, ok := apierror.As(err)
	if !ok || ae.Kind != apierror.Plugin {
		t.Fatalf("expected a second worklist registration to fail with apierror.Plugin, got %v", err)
	}
	if d.Worklist() == nil {
		t.Errorf("expected the original handler to remain installed")
	}
}

func TestImageDecoderRejectsSecondRegistration(t *testing.T) {
	d := plugin.New()
	ctx := context.Background()
	dec := func(transferSyntaxUID string, raw []byte) ([]byte, error) { return raw, nil }

	if err := d.RegisterImageDecoder(ctx, dec); err != nil {
		t.Fatalf("first registration: %v", err)
	}
	err := d.RegisterImageDecoder(ctx, dec)
	ae, ok := apierror.As(err)
	if !ok || ae.Kind != apierror.Plugin {
		t.Fatalf("expected a second decoder registration to fail with apierror.Plugin, got %v", err)
	}
}

func TestRegisterErrorCodeEnforcesFloorAndUniqueness(t *testing.T) {
	d := plugin.New()
	ctx := context.Background()

	if err := d.RegisterErrorCode(ctx, 999999, "TooLow"); err == nil {
		t.Errorf("expected a code below 1,000,000 to be rejected")
	}
	if err := d.RegisterErrorCode(ctx, 1000001, "MyPluginError"); err != nil {
		t.Fatalf("RegisterErrorCode: %v", err)
	}
	if err := d.RegisterErrorCode(ctx, 1000001, "Duplicate"); err == nil {
		t.Errorf("expected re-registering the same code to fail")
	}
	name, ok := d.ErrorCodeName(1000001)
	if !ok || name != "MyPluginError" {
		t.Errorf("expected ErrorCodeName to find the first registration, got %q, %v", name, ok)
	}
}

func TestFireOnStoredNotifiesAllObserversAndSwallowsPanics(t *testing.T) {
	d := plugin.New()
	ctx := context.Background()
	var calls []string
	d.RegisterOnStoredInstance(ctx, func(ev index.ChangeEvent) {
		calls = append(calls, "first")
	})
	d.RegisterOnStoredInstance(ctx, func(ev index.ChangeEvent) {
		panic("boom")
	})
	d.RegisterOnStoredInstance(ctx, func(ev index.ChangeEvent) {
		calls = append(calls, "third")
	})

	d.FireOnStored(index.ChangeEvent{Kind: index.ChangeNewInstance})

	if len(calls) != 2 || calls[0] != "first" || calls[1] != "third" {
		t.Errorf("expected both surviving observers to run despite the panicking one, got %v", calls)
	}
}

func TestStorageAndDatabaseFactoriesLastRegistrationWins(t *testing.T) {
	d := plugin.New()
	ctx := context.Background()

	var calledWhich string
	d.RegisterDatabaseBackendFactory(ctx, func(config map[string]string) (index.Backend, error) {
		calledWhich = "one"
		return nil, nil
	})
	d.RegisterDatabaseBackendFactory(ctx, func(config map[string]string) (index.Backend, error) {
		calledWhich = "two"
		return nil, nil
	})
	if _, err := d.DatabaseBackendFactory()(nil); err != nil {
		t.Fatalf("DatabaseBackendFactory: %v", err)
	}
	if calledWhich != "two" {
		t.Errorf("expected the second registration to win, got %q", calledWhich)
	}
}
