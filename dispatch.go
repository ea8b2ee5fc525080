package eftl

// dispatchLoop is the single dispatcher worker (spec.md component C5): it
// drains the inbound queue in strict FIFO order, deduplicates by sequence
// per subscription, and invokes exactly one handler call per unique
// message, guaranteeing the "at-most-one dispatch" and "strict per-
// subscription delivery order" properties from spec.md §8. Grounded on the
// teacher's worker_pool.go single-consumer task loop, narrowed from N
// workers to exactly one so that ordering is never lost to scheduling.
func (s *Session) dispatchLoop() {
	defer s.dispatchWG.Done()

	for {
		env, ok := s.inbound.pop()
		if !ok {
			return
		}
		if s.metrics != nil {
			s.metrics.inboundDepth.Set(float64(s.inbound.depth()))
		}

		sub, found := s.registry.get(env.subID)
		if !found {
			// Subscription was closed locally after the frame was already
			// in flight; drop silently, the server will stop sending once
			// it processes our UNSUBSCRIBE.
			continue
		}

		if !s.registry.recordSeq(env.subID, env.seq) {
			continue
		}

		s.safeInvoke(sub, env.msg)
	}
}

// safeInvoke calls the subscription's handler with panic recovery, the way
// the teacher's worker pool recovers panics in broadcast tasks
// (worker_pool.go), so one caller's bug can never take down the dispatcher
// goroutine and stall every other subscription.
func (s *Session) safeInvoke(sub *subscription, msg *Message) {
	defer func() {
		if r := recover(); r != nil {
			s.limiter.report(s.errf(ErrCodeInvalidType, "subscription handler panicked: %v", r))
		}
	}()
	if sub.handler != nil {
		sub.handler(msg)
	}
}
