// Copyright (c) 2024 the Kestrel authors
// released under the MIT license

package utils

// Semaphore is a counting semaphore. Note that a capacity of n requires O(n)
// storage. Acquiring is receiving from the channel, which callers can do
// directly inside a select; Release returns the slot.
type Semaphore (chan struct{})

// Initialize initializes a semaphore to a given capacity.
func (semaphore *Semaphore) Initialize(capacity int) {
	*semaphore = make(chan struct{}, capacity)
	for i := 0; i < capacity; i++ {
		(*semaphore) <- struct{}{}
	}
}

// Release releases a semaphore. It never blocks; a spurious release (one
// without a matching acquire) is silently discarded.
func (semaphore *Semaphore) Release() {
	select {
	case (*semaphore) <- struct{}{}:
	default:
	}
}
