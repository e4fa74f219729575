// stream.go: разбор SSE-потока прогресса загрузки.
// Формат: строки "data: <json>", кадры разделены пустой строкой.
// Куски из сети накапливаются, разбираются только полные кадры,
// остаток сохраняется до следующего куска.
package bulkupload

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"iter"
	"log/slog"

	"github.com/bigkaa/asset-console/internal/domain/model"
)

// frameSeparator: граница кадров (после удаления \r).
var frameSeparator = []byte("\n\n")

// readBufferSize: размер буфера одного чтения из тела ответа.
const readBufferSize = 4096

// FrameDecoder накапливает байты потока и выделяет полные кадры.
// Символы \r отбрасываются, поэтому CRLF-окончания строк эквивалентны LF
// независимо от того, где прошла граница куска.
type FrameDecoder struct {
	buf []byte
}

// Feed добавляет кусок данных и возвращает все завершённые кадры.
func (d *FrameDecoder) Feed(chunk []byte) [][]byte {
	for _, b := range chunk {
		if b != '\r' {
			d.buf = append(d.buf, b)
		}
	}

	var frames [][]byte
	for {
		i := bytes.Index(d.buf, frameSeparator)
		if i < 0 {
			break
		}
		frame := make([]byte, i)
		copy(frame, d.buf[:i])
		frames = append(frames, frame)
		d.buf = d.buf[i+len(frameSeparator):]
	}

	// Уплотняем остаток, чтобы буфер не рос на длинных потоках
	if len(frames) > 0 {
		rest := make([]byte, len(d.buf))
		copy(rest, d.buf)
		d.buf = rest
	}
	return frames
}

// Flush возвращает незавершённый остаток (кадр без финальной пустой строки).
// Вызывается при EOF. Пустой остаток, nil.
func (d *FrameDecoder) Flush() []byte {
	rest := bytes.TrimSpace(d.buf)
	d.buf = nil
	if len(rest) == 0 {
		return nil
	}
	return rest
}

// ParseFrame извлекает запись прогресса из одного кадра.
// Несколько строк data: склеиваются через \n, комментарии (":") и
// поля event/id/retry игнорируются. Возвращает ошибку для кадра без data
// или с некорректным JSON.
func ParseFrame(frame []byte) (*model.UploadProgress, error) {
	var data [][]byte
	for _, line := range bytes.Split(frame, []byte("\n")) {
		if !bytes.HasPrefix(line, []byte("data:")) {
			continue
		}
		payload := line[len("data:"):]
		payload = bytes.TrimPrefix(payload, []byte(" "))
		data = append(data, payload)
	}
	if len(data) == 0 {
		return nil, errors.New("кадр без поля data")
	}

	var p model.UploadProgress
	if err := json.Unmarshal(bytes.Join(data, []byte("\n")), &p); err != nil {
		return nil, fmt.Errorf("разбор JSON кадра: %w", err)
	}
	if p.Status == "" {
		return nil, errors.New("кадр без статуса")
	}
	return &p, nil
}

// Stream: итератор записей прогресса одной загрузки.
// Записи выдаются строго в порядке получения. После терминального статуса
// чтение прекращается, даже если соединение ещё открыто.
type Stream struct {
	body     io.ReadCloser
	decoder  FrameDecoder
	buf      []byte
	pending  []*model.UploadProgress
	terminal bool
	eof      bool
	err      error
	logger   *slog.Logger
}

// NewStream создаёт Stream поверх тела HTTP-ответа.
func NewStream(body io.ReadCloser, logger *slog.Logger) *Stream {
	return &Stream{
		body:   body,
		buf:    make([]byte, readBufferSize),
		logger: logger,
	}
}

// Next возвращает следующую запись прогресса.
// io.EOF: поток закончен (терминальный статус или конец тела).
func (s *Stream) Next() (*model.UploadProgress, error) {
	for {
		if len(s.pending) > 0 {
			p := s.pending[0]
			s.pending = s.pending[1:]
			if p.IsTerminal() {
				s.terminal = true
				s.pending = nil
			}
			return p, nil
		}
		if s.terminal || s.eof {
			return nil, io.EOF
		}
		if s.err != nil {
			return nil, s.err
		}

		n, err := s.body.Read(s.buf)
		if n > 0 {
			for _, frame := range s.decoder.Feed(s.buf[:n]) {
				s.push(frame)
			}
		}
		if err != nil {
			if errors.Is(err, io.EOF) {
				if rest := s.decoder.Flush(); rest != nil {
					s.push(rest)
				}
				s.eof = true
			} else {
				s.err = fmt.Errorf("чтение потока прогресса: %w", err)
			}
		}
	}
}

// push разбирает кадр и ставит запись в очередь.
// Некорректный кадр пропускается: одиночный сбой не прерывает загрузку.
func (s *Stream) push(frame []byte) {
	p, err := ParseFrame(frame)
	if err != nil {
		framesTotal.WithLabelValues("skipped").Inc()
		if s.logger != nil {
			s.logger.Debug("Пропущен некорректный кадр SSE",
				slog.String("error", err.Error()),
				slog.Int("bytes", len(frame)),
			)
		}
		return
	}
	framesTotal.WithLabelValues("decoded").Inc()
	s.pending = append(s.pending, p)
}

// Each вызывает fn для каждой записи до конца потока.
// Ошибка fn прерывает чтение и возвращается вызывающему.
func (s *Stream) Each(fn func(*model.UploadProgress) error) error {
	for {
		p, err := s.Next()
		if errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			return err
		}
		if err := fn(p); err != nil {
			return err
		}
	}
}

// Records возвращает поток как iter.Seq2 для range-over-func.
func (s *Stream) Records() iter.Seq2[*model.UploadProgress, error] {
	return func(yield func(*model.UploadProgress, error) bool) {
		for {
			p, err := s.Next()
			if errors.Is(err, io.EOF) {
				return
			}
			if !yield(p, err) || err != nil {
				return
			}
		}
	}
}

// Terminated: был получен терминальный статус.
func (s *Stream) Terminated() bool {
	return s.terminal
}

// Close закрывает тело ответа.
func (s *Stream) Close() error {
	return s.body.Close()
}
