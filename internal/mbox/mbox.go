// Copyright 2024 Google Inc. All Rights Reserved.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package mbox implements message-passing mailboxes: a fixed array of
// bounded queues carrying variable-length messages through a circular
// byte buffer. Each mailbox is a little monitor, a lock plus moreSpace
// and moreData condition variables, so the package doubles as the
// producer/consumer example of the sync layer.
package mbox

import (
	"encoding/binary"

	"github.com/krihaa/kernel-samples/internal/kernel"
	"github.com/krihaa/kernel-samples/internal/ksync"
)

const (
	// MaxMbox is the number of mailboxes; valid keys are 0..MaxMbox-1.
	MaxMbox = 5

	// BufferSize is the capacity in bytes of each mailbox's circular
	// buffer, shared by message headers and payloads.
	BufferSize = 512

	// HeaderSize is the wire size of a message header: a 32-bit
	// little-endian payload length.
	HeaderSize = 4
)

// Message is one mailbox message: Size payload bytes. On the wire it
// occupies HeaderSize + Size bytes.
type Message struct {
	Size int
	Body [BufferSize]byte
}

// NewMessage builds a message holding a copy of the given payload.
func NewMessage(payload []byte) *Message {
	m := &Message{Size: len(payload)}
	copy(m.Body[:], payload)
	return m
}

// Payload returns the valid part of the message body.
func (m *Message) Payload() []byte {
	return m.Body[:m.Size]
}

type mailbox struct {
	l         *ksync.Lock
	moreSpace *ksync.Condition
	moreData  *ksync.Condition

	// All guarded by l.
	used   int
	count  int
	head   int
	tail   int
	buffer [BufferSize]byte
}

// spaceAvailable returns the number of free bytes in the buffer. head ==
// tail means either empty or full; count disambiguates.
func (q *mailbox) spaceAvailable() int {
	if q.tail == q.head && q.count != 0 {
		return 0
	}
	if q.tail > q.head {
		return q.tail - q.head
	}
	return q.tail + BufferSize - q.head
}

// Mailboxes is the static mailbox table.
type Mailboxes struct {
	k *kernel.Kernel
	q [MaxMbox]mailbox
}

// New initializes the mailbox table for a kernel.
func New(k *kernel.Kernel) *Mailboxes {
	m := &Mailboxes{k: k}
	for i := range m.q {
		m.q[i].reset(k)
	}
	return m
}

func (q *mailbox) reset(k *kernel.Kernel) {
	q.used = 0
	q.l = ksync.NewLock(k)
	q.moreSpace = ksync.NewCondition(k)
	q.moreData = ksync.NewCondition(k)
	q.count = 0
	q.head = 0
	q.tail = 0
}

// acquire validates the key and takes the mailbox lock. A key outside
// the table does not halt the kernel: the offending process is
// terminated instead.
func (m *Mailboxes) acquire(p *kernel.Proc, key int) *mailbox {
	if key < 0 || key >= MaxMbox {
		p.Terminate("attempted to access non-existent mailbox %d", key)
	}
	q := &m.q[key]
	q.l.Acquire()
	return q
}

// Open registers an open reference to the mailbox with the given key and
// returns the handle used by the other operations.
func (m *Mailboxes) Open(p *kernel.Proc, key int) int {
	q := m.acquire(p, key)
	q.used++
	q.l.Release()
	return key
}

// Close drops an open reference. When the last reference goes away the
// mailbox is reclaimed: both conditions are broadcast and the buffer,
// indices and sync state are reset, so a later Open sees an empty box.
func (m *Mailboxes) Close(p *kernel.Proc, key int) int {
	q := m.acquire(p, key)
	if q.used > 0 {
		q.used--
	}
	if q.used <= 0 {
		q.moreSpace.Broadcast()
		q.moreData.Broadcast()
		l := q.l
		q.reset(m.k)
		l.Release()
		return key
	}
	q.l.Release()
	return key
}

// Stat returns the number of queued messages and the free buffer space,
// read atomically under the mailbox lock.
func (m *Mailboxes) Stat(p *kernel.Proc, key int) (count, space int) {
	q := m.acquire(p, key)
	count = q.count
	space = q.spaceAvailable()
	q.l.Release()
	return
}

// Send queues msg, blocking on moreSpace while the buffer cannot hold
// header plus payload. Delivery per mailbox is FIFO.
func (m *Mailboxes) Send(p *kernel.Proc, key int, msg *Message) int {
	q := m.acquire(p, key)
	for HeaderSize+msg.Size > q.spaceAvailable() {
		q.moreSpace.Wait(q.l)
	}

	var hdr [HeaderSize]byte
	binary.LittleEndian.PutUint32(hdr[:], uint32(msg.Size))
	start := q.head
	q.put(start, hdr[:])
	q.put(start+HeaderSize, msg.Body[:msg.Size])

	q.head = (start + HeaderSize + msg.Size) % BufferSize
	q.count++
	q.moreData.Broadcast()
	q.l.Release()
	return 1
}

// Recv dequeues the oldest message into msg, blocking on moreData while
// the mailbox is empty.
func (m *Mailboxes) Recv(p *kernel.Proc, key int, msg *Message) int {
	q := m.acquire(p, key)
	for q.count <= 0 {
		q.moreData.Wait(q.l)
	}

	// The header must be read first to learn the payload size.
	var hdr [HeaderSize]byte
	start := q.tail
	q.get(start, hdr[:])
	msg.Size = int(binary.LittleEndian.Uint32(hdr[:]))
	q.get(start+HeaderSize, msg.Body[:msg.Size])

	q.tail = (start + HeaderSize + msg.Size) % BufferSize
	q.count--
	q.moreSpace.Broadcast()
	q.l.Release()
	return 1
}

// put copies src into the circular buffer starting at index start.
func (q *mailbox) put(start int, src []byte) {
	for i, b := range src {
		q.buffer[(start+i)%BufferSize] = b
	}
}

// get copies len(dst) bytes out of the circular buffer starting at start.
func (q *mailbox) get(start int, dst []byte) {
	for i := range dst {
		dst[i] = q.buffer[(start+i)%BufferSize]
	}
}
