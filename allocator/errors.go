package allocator

// InitError is returned by Init when the arena cannot be used.
type InitError int

const (
	// ErrNullPointer ...
	ErrNullPointer InitError = iota + 1
	// ErrMisaligned ...
	ErrMisaligned
	// ErrTooSmall ...
	ErrTooSmall
)

func (e InitError) Error() string {
	switch e {
	case ErrNullPointer:
		return "o1heap: arena pointer is nil"
	case ErrMisaligned:
		return "o1heap: arena is not aligned to Alignment"
	case ErrTooSmall:
		return "o1heap: arena is smaller than MinArenaSize"
	default:
		return "o1heap: invalid arena"
	}
}
