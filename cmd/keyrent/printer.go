package main

import (
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/fatih/color"

	"github.com/coachpo/keyrent/internal/dispatch"
	"github.com/coachpo/keyrent/internal/payment"
	"github.com/coachpo/keyrent/internal/poller"
)

// printer renders events and status changes as single terminal lines.
type printer struct {
	mu sync.Mutex
	w  io.Writer
}

func newPrinter(w io.Writer) *printer {
	return &printer{w: w}
}

func (p *printer) line(format string, args ...any) {
	p.mu.Lock()
	defer p.mu.Unlock()
	fmt.Fprintf(p.w, format+"\n", args...)
}

func stamp(t time.Time) string {
	if t.IsZero() {
		t = time.Now()
	}
	return color.GreenString(t.UTC().Format("15:04:05.000"))
}

func (p *printer) connection(connected bool) {
	state := color.RedString("disconnected")
	if connected {
		state = color.GreenString("connected")
	}
	p.line("%s %s %s", stamp(time.Time{}), color.MagentaString("realtime"), state)
}

func (p *printer) event(evt dispatch.Event) {
	data := string(evt.Data)
	if data == "" {
		data = "{}"
	}
	p.line("%s %s %s", stamp(evt.Timestamp), color.CyanString(evt.Type), data)
}

func (p *printer) report(rep poller.Report) {
	p.line("%s %s %s", stamp(rep.CheckedAt), rep.ResourceID, statusColor(rep.Status))
}

func (p *printer) update(u payment.Update) {
	msg := fmt.Sprintf("%s %s %s %s", stamp(u.Report.CheckedAt), color.CyanString(string(u.Method)),
		u.ChargeID, statusColor(string(u.Step)))
	if u.Message != "" {
		msg += " " + u.Message
	}
	if u.Err != nil {
		msg += " " + color.RedString(u.Err.Error())
	}
	p.line("%s", msg)
}

func statusColor(status string) string {
	switch status {
	case poller.StatusCompleted:
		return color.GreenString(status)
	case poller.StatusFailed, poller.StatusExpired, poller.StatusCanceled:
		return color.RedString(status)
	case poller.StatusTimeout:
		return color.HiRedString(status)
	case poller.StatusApproved, poller.StatusConfirming:
		return color.BlueString(status)
	}
	return color.YellowString(status)
}
