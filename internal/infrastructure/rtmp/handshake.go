package rtmp

import (
	"bufio"
	"bytes"
	"crypto/rand"
	"encoding/binary"
	"fmt"
	"io"
	"time"
)

// ClientHandshake performs the simple (unsigned) handshake: C0+C1 out,
// S0+S1+S2 in, C2 echoing S1 out.
func ClientHandshake(rw *bufio.ReadWriter, epoch time.Time) error {
	c0c1 := make([]byte, 1+HandshakeSize)
	c0c1[0] = Version
	binary.BigEndian.PutUint32(c0c1[1:5], uint32(time.Since(epoch).Milliseconds()))
	// bytes 5..9 stay zero
	if _, err := rand.Read(c0c1[9:]); err != nil {
		return fmt.Errorf("generate C1: %w", err)
	}
	if _, err := rw.Write(c0c1); err != nil {
		return fmt.Errorf("write C0+C1: %w", err)
	}
	if err := rw.Flush(); err != nil {
		return fmt.Errorf("flush C0+C1: %w", err)
	}

	s := make([]byte, 1+2*HandshakeSize)
	if _, err := io.ReadFull(rw, s); err != nil {
		return fmt.Errorf("read S0+S1+S2: %w", err)
	}
	if s[0] != Version {
		return fmt.Errorf("unsupported rtmp version from server: %d", s[0])
	}
	s1 := s[1 : 1+HandshakeSize]

	if _, err := rw.Write(s1); err != nil {
		return fmt.Errorf("write C2: %w", err)
	}
	if err := rw.Flush(); err != nil {
		return fmt.Errorf("flush C2: %w", err)
	}
	return nil
}

// ServerHandshake is the peer side of ClientHandshake. It checks that C2
// echoes S1.
func ServerHandshake(rw *bufio.ReadWriter) error {
	c0c1 := make([]byte, 1+HandshakeSize)
	if _, err := io.ReadFull(rw, c0c1); err != nil {
		return fmt.Errorf("read C0+C1: %w", err)
	}
	if c0c1[0] != Version {
		return fmt.Errorf("unsupported rtmp version: %d", c0c1[0])
	}

	s := make([]byte, 1+2*HandshakeSize)
	s[0] = Version
	if _, err := rand.Read(s[9 : 1+HandshakeSize]); err != nil {
		return fmt.Errorf("generate S1: %w", err)
	}
	copy(s[1+HandshakeSize:], c0c1[1:])
	if _, err := rw.Write(s); err != nil {
		return fmt.Errorf("write S0+S1+S2: %w", err)
	}
	if err := rw.Flush(); err != nil {
		return fmt.Errorf("flush S0+S1+S2: %w", err)
	}

	c2 := make([]byte, HandshakeSize)
	if _, err := io.ReadFull(rw, c2); err != nil {
		return fmt.Errorf("read C2: %w", err)
	}
	if !bytes.Equal(c2, s[1:1+HandshakeSize]) {
		return fmt.Errorf("C2 does not echo S1")
	}
	return nil
}
