package engine

import (
	"errors"
)

var ErrStreamClosed = errors.New("stream is closed")

type errorStream struct {
	err error
}

// ErrorStream returns a stream whose first and every later Next fails
// with err.
func ErrorStream(err error) Stream {
	return &errorStream{err: err}
}

func (s *errorStream) Next() (Tensor, bool, error) { return Tensor{}, false, s.err }
func (s *errorStream) Close() error                { return nil }

type chainStream struct {
	parts  []func() Stream
	cur    Stream
	closed bool
}

// Chain plays the streams returned by parts back to back. Each part is
// opened only when the previous one is exhausted.
func Chain(parts ...func() Stream) Stream {
	return &chainStream{parts: parts}
}

func (s *chainStream) Next() (Tensor, bool, error) {
	if s.closed {
		return Tensor{}, false, ErrStreamClosed
	}
	for {
		if s.cur == nil {
			if len(s.parts) == 0 {
				return Tensor{}, false, nil
			}
			s.cur = s.parts[0]()
			s.parts = s.parts[1:]
		}

		chunk, ok, err := s.cur.Next()
		if err != nil || ok {
			return chunk, ok, err
		}
		if err := s.cur.Close(); err != nil {
			return Tensor{}, false, err
		}
		s.cur = nil
	}
}

func (s *chainStream) Close() error {
	if s.closed {
		return nil
	}
	s.closed = true
	s.parts = nil
	if s.cur != nil {
		err := s.cur.Close()
		s.cur = nil
		return err
	}
	return nil
}

// Drain reads s to the end, closes it and returns every chunk joined into
// a [1, N] tensor.
func Drain(s Stream) (Tensor, error) {
	defer s.Close()

	var samples []float32
	for {
		chunk, ok, err := s.Next()
		if err != nil {
			return Tensor{}, err
		}
		if !ok {
			break
		}
		data, err := chunk.Flatten()
		if err != nil {
			return Tensor{}, err
		}
		samples = append(samples, data...)
	}
	return NewTensor(samples, 1, int64(len(samples))), nil
}
