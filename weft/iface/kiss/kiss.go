// Package kiss implements KISS framing for serial and TNC media, and
// an interface driver over any byte stream the application supplies
// (serial port, pty, TCP-attached modem).
package kiss

// KISS special bytes.
const (
	fend  = 0xC0
	fesc  = 0xDB
	tfend = 0xDC
	tfesc = 0xDD

	cmdData = 0x00
)

// Frame wraps a payload in a KISS data frame, escaping FEND and FESC
// bytes in the payload.
func Frame(payload []byte) []byte {
	out := make([]byte, 0, len(payload)+4)
	out = append(out, fend, cmdData)
	for _, b := range payload {
		switch b {
		case fend:
			out = append(out, fesc, tfend)
		case fesc:
			out = append(out, fesc, tfesc)
		default:
			out = append(out, b)
		}
	}
	return append(out, fend)
}

// Framer reassembles KISS frames from an arbitrary chunking of the
// underlying byte stream.
type Framer struct {
	buf     []byte
	inFrame bool
	escaped bool
	command byte
}

// Feed consumes stream bytes and returns any payloads completed by
// them. Non-data command frames are skipped; malformed escape
// sequences drop the byte and continue, as serial noise must never
// stall the reader.
func (f *Framer) Feed(chunk []byte) [][]byte {
	var frames [][]byte
	for _, b := range chunk {
		if !f.inFrame {
			if b == fend {
				f.inFrame = true
				f.buf = f.buf[:0]
				f.command = 0xFF
			}
			continue
		}
		if f.command == 0xFF {
			if b == fend {
				// Back-to-back FENDs between frames.
				continue
			}
			f.command = b
			continue
		}
		switch {
		case b == fend:
			if f.command == cmdData && len(f.buf) > 0 {
				frames = append(frames, append([]byte(nil), f.buf...))
			}
			f.inFrame = false
			f.escaped = false
		case f.escaped:
			switch b {
			case tfend:
				f.buf = append(f.buf, fend)
			case tfesc:
				f.buf = append(f.buf, fesc)
			}
			f.escaped = false
		case b == fesc:
			f.escaped = true
		default:
			f.buf = append(f.buf, b)
		}
	}
	return frames
}
