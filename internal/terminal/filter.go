package terminal

import "io"

const (
	esc      = 0x1b
	csi      = '['
	focusIn  = 'I'
	focusOut = 'O'
)

// focusFilter strips the focus reports ESC [ I and ESC [ O from a byte
// stream. Sequences may be split across reads; a partial prefix is held
// back until the next byte decides it.
type focusFilter struct {
	r       io.Reader
	onBlur  func()
	pending []byte
	ready   []byte
	buf     []byte
	err     error
}

func (f *focusFilter) Read(p []byte) (int, error) {
	if len(p) == 0 {
		return 0, nil
	}
	for len(f.ready) == 0 && f.err == nil {
		if len(f.buf) < len(p) {
			f.buf = make([]byte, len(p))
		}
		n, err := f.r.Read(f.buf[:len(p)])
		f.ready = f.scan(f.ready, f.buf[:n])
		if err != nil {
			// Nothing follows; release a held prefix as plain input.
			f.ready = append(f.ready, f.pending...)
			f.pending = f.pending[:0]
			f.err = err
		}
	}
	n := copy(p, f.ready)
	f.ready = f.ready[n:]
	if len(f.ready) == 0 {
		f.ready = nil
		return n, f.err
	}
	return n, nil
}

// scan appends the plain bytes of in to dst.
func (f *focusFilter) scan(dst, in []byte) []byte {
	for _, b := range in {
		switch len(f.pending) {
		case 0:
			if b == esc {
				f.pending = append(f.pending, b)
				continue
			}
			dst = append(dst, b)
		case 1:
			if b == csi {
				f.pending = append(f.pending, b)
				continue
			}
			dst = append(dst, f.pending...)
			f.pending = f.pending[:0]
			if b == esc {
				f.pending = append(f.pending, b)
				continue
			}
			dst = append(dst, b)
		default:
			f.pending = f.pending[:0]
			switch b {
			case focusOut:
				if f.onBlur != nil {
					f.onBlur()
				}
			case focusIn:
			default:
				dst = append(dst, esc, csi, b)
			}
		}
	}
	return dst
}
