// Package flowqueue provides the bounded, blocking queues that connect
// pipeline stages.
//
// Every queue implements Queue. Put blocks while the queue is full and Get
// blocks while it is empty, unless the queue has been marked done, in which
// case Get returns ErrEmpty immediately. Done is one-way.
//
// Variants:
//
//   - Simple: one mutex, strict FIFO, broadcast wakeups.
//   - GetOnly / PutOnly: restricted views that reject the other direction
//     with errors.ErrAPIMisuse.
//   - FanOut: one producer, K consumers; item i goes to consumer i mod K.
//   - FanIn: K producers, one consumer; round-robin reads, done only once
//     every producer is done and drained.
//   - MultiDone: forwards SetDone only after N producers have finished.
//   - Null: discards puts, Get is always empty, never blocks.
//
// Consumers of a FanIn must treat an ErrEmpty from Get as end-of-stream only
// when Done also reports true:
//
//	for {
//	    item, err := q.Get()
//	    if errors.Is(err, flowqueue.ErrEmpty) {
//	        if q.Done() {
//	            break
//	        }
//	        continue
//	    }
//	    process(item)
//	}
package flowqueue
