package ble

import (
	"fmt"
	"time"
)

type pendingOp struct {
	seq uint64
	op  Operation
}

// Queue linearizes GATT operations over the live link: FIFO, one in
// flight, draining only while the machine is connected.
type Queue struct {
	*env
	machine *Machine
	timeout time.Duration

	pending  []pendingOp
	inFlight *pendingOp
	seq      uint64
	timer    *time.Timer
}

func newQueue(e *env, m *Machine, timeout time.Duration) *Queue {
	return &Queue{env: e, machine: m, timeout: timeout}
}

// Depth returns the number of operations waiting, excluding the one in flight.
func (q *Queue) Depth() int { return len(q.pending) }

// Busy reports whether an operation is in flight.
func (q *Queue) Busy() bool { return q.inFlight != nil }

// Enqueue appends op to the tail and returns its sequence number.
func (q *Queue) Enqueue(op Operation) (uint64, error) {
	if !q.machine.State().Connected() {
		return 0, q.fail(OriginOperation, opSubmit, ErrNotConnected)
	}
	q.seq++
	seq := q.seq
	q.pending = append(q.pending, pendingOp{seq: seq, op: op})
	q.logger.Debug("[BLE] operation queued", "seq", seq, "op", op.String(), "depth", len(q.pending))
	_ = q.Dispatch()
	return seq, nil
}

// Dispatch hands the head of the queue to the driver if nothing is in
// flight, moving between the Ready and Operating sub-states as the queue
// fills and empties. Calling it outside a connected state is a bug: it is
// logged and refused.
func (q *Queue) Dispatch() error {
	state := q.machine.State()
	if !state.Connected() {
		q.logger.Error("[BLE] dispatch outside connected state", "state", state.String())
		return &Error{
			Kind: KindInvalidStateTransition,
			Op:   opDispatch,
			Err:  fmt.Errorf("dispatch in state %s: %w", state, ErrInvalidStateTransition),
		}
	}
	if q.inFlight != nil {
		return nil
	}

	if len(q.pending) == 0 {
		if state == StateConnectedOperating {
			q.machine.setOperating(false)
			q.publish(OperationsCompleted{})
		}
		return nil
	}

	next := q.pending[0]
	q.pending[0] = pendingOp{}
	q.pending = q.pending[1:]

	if state == StateConnectedReady {
		q.machine.setOperating(true)
		q.publish(OperationsStarted{})
	}

	q.inFlight = &next
	link, _ := q.machine.link()
	seq := next.seq
	if q.timeout > 0 {
		q.timer = time.AfterFunc(q.timeout, func() { q.post(opTimeoutMsg{seq: seq}) })
	}
	q.logger.Debug("[BLE] executing operation", "seq", seq, "op", next.op.String())
	q.driver.Execute(link, next.op, func(value []byte, err error) {
		q.post(opDoneMsg{seq: seq, value: cloneBytes(value), err: err})
	})
	return nil
}

func (q *Queue) handleDone(msg opDoneMsg) {
	if q.inFlight == nil || q.inFlight.seq != msg.seq {
		q.logger.Debug("[BLE] discarding stale operation result", "seq", msg.seq)
		return
	}
	q.stopTimer()
	done := *q.inFlight
	q.inFlight = nil

	ev := OperationCompleted{Seq: done.seq, Operation: done.op}
	switch {
	case msg.err != nil:
		q.logger.Warn("[BLE] operation failed", "seq", done.seq, "op", done.op.String(), "error", msg.err)
		ev.Err = newError(opSubmit, msg.err)
	case done.op.writes():
		ev.Value = done.op.Payload()
	default:
		ev.Value = msg.value
	}
	q.publish(ev)
	_ = q.Dispatch()
}

func (q *Queue) handleTimeout(msg opTimeoutMsg) {
	if q.inFlight == nil || q.inFlight.seq != msg.seq {
		return
	}
	hung := *q.inFlight
	q.inFlight = nil
	q.timer = nil

	q.logger.Error("[BLE] operation timed out", "seq", hung.seq, "op", hung.op.String(), "timeout", q.timeout)
	be := newError(opSubmit, fmt.Errorf("%s after %s: %w", hung.op, q.timeout, ErrOperationTimeout))
	q.publish(OperationCompleted{Seq: hung.seq, Operation: hung.op, Err: be})
	q.publish(ErrorEvent{From: OriginOperation, Err: be})
	q.machine.forceDisconnect(be)
}

// reset abandons everything queued. Called when the machine leaves Connected.
func (q *Queue) reset() {
	dropped := len(q.pending)
	if q.inFlight != nil {
		dropped++
	}
	if dropped > 0 {
		q.logger.Warn("[BLE] abandoning queued operations", "count", dropped)
	}
	q.stopTimer()
	q.pending = nil
	q.inFlight = nil
}

func (q *Queue) stopTimer() {
	if q.timer != nil {
		q.timer.Stop()
		q.timer = nil
	}
}
