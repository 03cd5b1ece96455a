package proxy

// FilterControlChars sanitizes untrusted output relayed from a management
// disposable. Printable ASCII and basic whitespace pass through, as do SGR
// reset and foreground color sequences; every other byte becomes an
// underscore so escape sequences cannot reach the dom0 terminal.
func FilterControlChars(text []byte) []byte {
	out := make([]byte, 0, len(text))

	for len(text) > 0 {
		// SGR reset
		if len(text) >= 4 && string(text[:4]) == "\x1b[0m" {
			out = append(out, text[:4]...)
			text = text[4:]
			continue
		}

		// foreground colors: ESC [ {0|1} ; 3 {0-7} m
		if len(text) >= 7 &&
			text[0] == 0x1b && text[1] == '[' &&
			(text[2] == '0' || text[2] == '1') &&
			text[3] == ';' &&
			text[4] == '3' &&
			text[5] >= '0' && text[5] <= '7' &&
			text[6] == 'm' {
			out = append(out, text[:7]...)
			text = text[7:]
			continue
		}

		b := text[0]
		if (b >= 0x20 && b <= 0x7e) ||
			b == '\a' || b == '\b' || b == '\n' || b == '\r' || b == '\t' {
			out = append(out, b)
		} else {
			out = append(out, '_')
		}
		text = text[1:]
	}

	return out
}
