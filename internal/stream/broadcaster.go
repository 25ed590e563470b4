// Package stream implementa flujos publish/subscribe con semantica de ultimo valor.
package stream

import "sync"

// Broadcaster reparte cada valor publicado a todos los suscriptores.
// Publish nunca bloquea: si el buffer de un suscriptor esta lleno se descarta el valor mas viejo.
type Broadcaster[T any] struct {
	mu      sync.Mutex
	subs    map[int]chan T
	next    int
	buffer  int
	last    T
	hasLast bool
	closed  bool
}

// NewBroadcaster crea un broadcaster; buffer=1 equivale a "solo el ultimo valor".
func NewBroadcaster[T any](buffer int) *Broadcaster[T] {
	if buffer <= 0 {
		buffer = 1
	}
	return &Broadcaster[T]{
		subs:   make(map[int]chan T),
		buffer: buffer,
	}
}

func (b *Broadcaster[T]) Publish(v T) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.last = v
	b.hasLast = true
	for _, ch := range b.subs {
		offer(ch, v)
	}
}

func offer[T any](ch chan T, v T) {
	select {
	case ch <- v:
		return
	default:
	}
	// lleno: descartar el mas viejo
	select {
	case <-ch:
	default:
	}
	select {
	case ch <- v:
	default:
	}
}

// Subscribe devuelve un canal que recibe el ultimo valor conocido y los siguientes.
// La funcion devuelta cancela la suscripcion y cierra el canal.
func (b *Broadcaster[T]) Subscribe() (<-chan T, func()) {
	b.mu.Lock()
	defer b.mu.Unlock()

	ch := make(chan T, b.buffer)
	if b.closed {
		close(ch)
		return ch, func() {}
	}
	id := b.next
	b.next++
	b.subs[id] = ch
	if b.hasLast {
		ch <- b.last
	}

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			b.mu.Lock()
			defer b.mu.Unlock()
			if c, ok := b.subs[id]; ok {
				delete(b.subs, id)
				close(c)
			}
		})
	}
}

// Latest devuelve el ultimo valor publicado.
func (b *Broadcaster[T]) Latest() (T, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.last, b.hasLast
}

// Close cierra todos los suscriptores; publicaciones posteriores se ignoran.
func (b *Broadcaster[T]) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.closed = true
	for id, ch := range b.subs {
		delete(b.subs, id)
		close(ch)
	}
}
