// Package iscsi manages the initiator side of a deploy: discovery, login,
// scoped use of the attached block device, and teardown that runs on every
// exit path. Sessions are per-target; concurrent use of one target is a
// caller error.
package iscsi

import (
	"context"
	"errors"
	"fmt"
	"net"
	"time"

	"github.com/juju/clock"
	"github.com/rs/zerolog"

	"metaldeployd/internal/shell"
)

// exit code iscsiadm returns when the target to delete does not exist;
// absence is the goal, so it counts as success.
const noSuchTargetCode = 21

// Target identifies one iSCSI-exported volume.
type Target struct {
	Address string
	Port    int
	IQN     string
	LUN     int
}

func (t Target) portal() string {
	return fmt.Sprintf("%s:%d", t.Address, t.Port)
}

// DevicePath returns the device node the kernel creates after login. The
// by-path convention is stable, so no /dev scanning is needed; any deviation
// from it would break device discovery entirely.
func (t Target) DevicePath() string {
	return fmt.Sprintf("/dev/disk/by-path/ip-%s:%d-iscsi-%s-lun-%d",
		t.Address, t.Port, t.IQN, t.LUN)
}

// Runner is the retrying command surface sessions need.
type Runner interface {
	Run(ctx context.Context, name string, args ...string) (shell.Result, error)
	RunOK(ctx context.Context, okCodes []int, name string, args ...string) (shell.Result, error)
}

// SessionManager opens and tears down sessions against bootstrap targets.
type SessionManager struct {
	Runner      Runner
	Clock       clock.Clock
	SettleDelay time.Duration
	NotifyPort  int
	Log         zerolog.Logger

	// Pacer, when set, spaces iscsiadm invocations against the same portal
	// address. Initiator tools misbehave when hammered back to back.
	Pacer *shell.Pacer

	// test seam; production dials the bootstrap agent over TCP
	notify func(address string, port int) error
}

func NewSessionManager(runner Runner, clk clock.Clock, settle time.Duration, notifyPort int, log zerolog.Logger) *SessionManager {
	return &SessionManager{
		Runner:      runner,
		Clock:       clk,
		SettleDelay: settle,
		NotifyPort:  notifyPort,
		Log:         log,
		notify:      notify,
	}
}

func (m *SessionManager) pace(ctx context.Context, t Target) error {
	if m.Pacer == nil {
		return nil
	}
	return m.Pacer.Wait(ctx, t.Address)
}

func (m *SessionManager) discover(ctx context.Context, t Target) error {
	if err := m.pace(ctx, t); err != nil {
		return err
	}
	_, err := m.Runner.Run(ctx, "iscsiadm", "-m", "discovery", "-t", "st", "-p", t.portal())
	if err != nil {
		return fmt.Errorf("iscsi discovery on %s: %w", t.portal(), err)
	}
	return nil
}

func (m *SessionManager) login(ctx context.Context, t Target) error {
	if err := m.pace(ctx, t); err != nil {
		return err
	}
	_, err := m.Runner.Run(ctx, "iscsiadm", "-m", "node", "-p", t.portal(), "-T", t.IQN, "--login")
	if err != nil {
		return fmt.Errorf("iscsi login to %s: %w", t.IQN, err)
	}
	// The kernel creates the device node asynchronously after login; give it
	// a settle window before the path is used.
	return m.settle(ctx)
}

func (m *SessionManager) logout(ctx context.Context, t Target) error {
	if err := m.pace(ctx, t); err != nil {
		return err
	}
	_, err := m.Runner.Run(ctx, "iscsiadm", "-m", "node", "-p", t.portal(), "-T", t.IQN, "--logout")
	if err != nil {
		return fmt.Errorf("iscsi logout from %s: %w", t.IQN, err)
	}
	return nil
}

func (m *SessionManager) delete(ctx context.Context, t Target) error {
	if err := m.pace(ctx, t); err != nil {
		return err
	}
	_, err := m.Runner.RunOK(ctx, []int{noSuchTargetCode},
		"iscsiadm", "-m", "node", "-p", t.portal(), "-T", t.IQN, "-o", "delete")
	if err != nil {
		return fmt.Errorf("iscsi delete of %s: %w", t.IQN, err)
	}
	return nil
}

func (m *SessionManager) settle(ctx context.Context) error {
	if m.SettleDelay <= 0 {
		return nil
	}
	select {
	case <-m.Clock.After(m.SettleDelay):
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// WithDevice runs fn against the target's block device inside a scoped
// session. Logout and delete are both attempted on every exit path once
// login has succeeded; after a fully clean run the node's bootstrap agent is
// notified so it can stop waiting and reboot.
func (m *SessionManager) WithDevice(ctx context.Context, t Target, fn func(dev string) error) (err error) {
	if err := m.discover(ctx, t); err != nil {
		return err
	}
	if err := m.login(ctx, t); err != nil {
		return err
	}

	defer func() {
		teardownErr := m.teardown(ctx, t)
		if err == nil {
			err = teardownErr
		}
		if err != nil {
			m.logFailure(err, t)
			return
		}
		// Give the agent time to start listening, then release it. The
		// notify is advisory; a refused connection never fails the deploy.
		if serr := m.settle(ctx); serr != nil {
			return
		}
		if nerr := m.notify(t.Address, m.NotifyPort); nerr != nil {
			m.Log.Warn().Err(nerr).Str("address", t.Address).Msg("bootstrap notify failed")
		}
	}()

	return fn(t.DevicePath())
}

// teardown logs out and deletes the target definition, always attempting
// both; the first error wins.
func (m *SessionManager) teardown(ctx context.Context, t Target) error {
	logoutErr := m.logout(ctx, t)
	deleteErr := m.delete(ctx, t)
	if logoutErr != nil {
		return logoutErr
	}
	return deleteErr
}

func (m *SessionManager) logFailure(err error, t Target) {
	ev := m.Log.Error().Err(err).Str("address", t.Address).Str("iqn", t.IQN)
	var ee *shell.ExecError
	if errors.As(err, &ee) {
		ev = ev.Str("command", ee.Cmd).Str("stderr", ee.Stderr)
	}
	ev.Msg("deploy over iscsi failed")
}

// notify sends the literal bytes "done" to the bootstrap agent and discards
// any response.
func notify(address string, port int) error {
	conn, err := net.DialTimeout("tcp", fmt.Sprintf("%s:%d", address, port), 10*time.Second)
	if err != nil {
		return err
	}
	defer conn.Close()
	_, err = conn.Write([]byte("done"))
	return err
}
