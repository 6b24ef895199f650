package peer

// Step drives one readiness event through whichever layer currently
// owns the peer's bytes. readBuf is a caller-owned scratch buffer (the
// worker's per-readiness-event read buffer); Step appends whatever it
// reads into p.rbuf, then parses as many complete HTTP requests or WS
// frames out of p.rbuf as are now available.
//
// It returns any bytes the caller must write back -- an HTTP 101
// response, a WS pong or close echo -- and the prevailing Result.
// AGAIN means wait for the next readiness notification; CLOSE_PEER
// means the caller should hand the peer to StepMortality; FATAL means
// the process must exit.
func (p *Peer) Step(readBuf []byte) (toWrite []byte, res Result) {
	n, res := p.read(readBuf)
	if res == Fatal {
		return nil, Fatal
	}
	if n > 0 {
		p.rbuf = append(p.rbuf, readBuf[:n]...)
	}
	if res == CloseResult {
		return nil, CloseResult
	}
	return p.process()
}

// read pulls one round of bytes off the wire for the peer's current
// transport layer: TLS if encrypted (after the handshake has
// completed), otherwise plain TCP. The TLS handshake itself is driven
// separately by StepTLS before any LayerHTTP/LayerWS processing runs.
func (p *Peer) read(readBuf []byte) (int, Result) {
	if p.Layer == LayerTLS {
		if r := p.StepTLS(); r != OK {
			return 0, r
		}
	}
	if p.tls != nil && p.tls.handshakeDone {
		return p.tls.ReadTLS(readBuf)
	}
	return p.ReadTCP(readBuf)
}

// process parses whatever is now buffered in p.rbuf, advancing
// through LayerHTTP into LayerWS as each stage completes.
func (p *Peer) process() (toWrite []byte, res Result) {
	for {
		switch p.Layer {
		case LayerHTTP:
			resp, r := p.StepHTTP()
			toWrite = append(toWrite, resp...)
			if r != OK {
				return toWrite, r
			}
			if p.Layer != LayerWS {
				return toWrite, OK
			}
			// Fell through to WS in the same event; rbuf may already
			// hold the client's first frame appended after the
			// upgrade request, so keep going without another read.
			continue

		case LayerWS:
			resp, r := p.StepWS()
			toWrite = append(toWrite, resp...)
			return toWrite, r

		default:
			return toWrite, OK
		}
	}
}

// Write sends wbuf through whichever transport layer owns the peer,
// resuming a partial TLS write from the start (crypto/tls has no
// resumable cursor) or a partial TCP write from oldWsize.
func (p *Peer) Write(wbuf []byte) Result {
	if p.tls != nil && p.tls.handshakeDone {
		return p.tls.WriteTLS(wbuf)
	}
	return p.WriteTCP(wbuf)
}
