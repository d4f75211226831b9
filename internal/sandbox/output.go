package sandbox

import (
	"bytes"
	"io"
	"os"
	"time"
)

// outputDrainTimeout bounds how long output is collected after the shell
// exits and its process group was killed. Only a descendant that left the
// group can still hold the pipe open that long.
const outputDrainTimeout = time.Second

// outputPipe collects one output stream of a command. The write end is a
// real file handed to the child, so exec.Cmd.Wait returns when the shell
// exits instead of when the last descendant closes the stream.
type outputPipe struct {
	r, w *os.File
	buf  bytes.Buffer
	done chan struct{}
}

func newOutputPipe() (*outputPipe, error) {
	r, w, err := os.Pipe()
	if err != nil {
		return nil, err
	}
	return &outputPipe{r: r, w: w, done: make(chan struct{})}, nil
}

// started closes the parent's copy of the write end and begins reading.
// Call it once the child holds its own copy.
func (p *outputPipe) started() {
	p.w.Close()
	go func() {
		defer close(p.done)
		_, _ = io.Copy(&p.buf, p.r)
	}()
}

// collect returns everything written before the stream closed or d
// elapsed, whichever comes first.
func (p *outputPipe) collect(d time.Duration) []byte {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-p.done:
	case <-timer.C:
		p.r.Close()
		<-p.done
	}
	p.r.Close()
	return p.buf.Bytes()
}

// abort releases both ends when the command never started.
func (p *outputPipe) abort() {
	p.r.Close()
	p.w.Close()
}
