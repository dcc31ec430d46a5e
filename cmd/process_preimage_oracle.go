package cmd

import (
	"context"
	"errors"
	"os"
	"os/exec"
	"time"

	preimage "github.com/ethereum-optimism/optimism/op-preimage"
)

type rawHint string

func (rh rawHint) Hint() string {
	return string(rh)
}

type rawKey [32]byte

func (rk rawKey) PreimageKey() [32]byte {
	return rk
}

// ProcessPreimageOracle runs a pre-image server as a child process and
// speaks the hint/pre-image protocols to it over inherited pipes.
// The server end of the channels is handed over as child fds 3 to 6:
// hint reader, hint writer, pre-image reader, pre-image writer. That
// ordering matches the fd numbering the guest itself uses.
type ProcessPreimageOracle struct {
	oracle *preimage.OracleClient
	hints  *preimage.HintWriter

	cmd      *exec.Cmd
	waitErr  chan error
	cancelIO context.CancelCauseFunc
}

const clientPollTimeout = time.Second * 15

var errServerExited = errors.New("pre-image server exited")

func NewProcessPreimageOracle(name string, args []string) (*ProcessPreimageOracle, error) {
	if name == "" {
		return &ProcessPreimageOracle{}, nil
	}

	pClientRW, pOracleRW, err := preimage.CreateBidirectionalChannel()
	if err != nil {
		return nil, err
	}
	hClientRW, hOracleRW, err := preimage.CreateBidirectionalChannel()
	if err != nil {
		return nil, err
	}

	cmd := exec.Command(name, args...) // nosemgrep
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr
	cmd.ExtraFiles = []*os.File{
		hOracleRW.Reader(),
		hOracleRW.Writer(),
		pOracleRW.Reader(),
		pOracleRW.Writer(),
	}

	// The server does not close our ends of the channels when it exits,
	// so all client IO goes through pollers that can be cancelled once
	// the process is gone, instead of blocking forever.
	ctx, cancelIO := context.WithCancelCause(context.Background())
	return &ProcessPreimageOracle{
		oracle:   preimage.NewOracleClient(preimage.NewFilePoller(ctx, pClientRW, clientPollTimeout)),
		hints:    preimage.NewHintWriter(preimage.NewFilePoller(ctx, hClientRW, clientPollTimeout)),
		cmd:      cmd,
		waitErr:  make(chan error),
		cancelIO: cancelIO,
	}, nil
}

func (p *ProcessPreimageOracle) Hint(v []byte) {
	if p.hints == nil { // no hint processor
		return
	}
	p.hints.Hint(rawHint(v))
}

func (p *ProcessPreimageOracle) GetPreimage(k [32]byte) []byte {
	if p.oracle == nil {
		panic("no pre-image retriever available")
	}
	return p.oracle.Get(rawKey(k))
}

func (p *ProcessPreimageOracle) Start() error {
	if p.cmd == nil {
		return nil
	}
	err := p.cmd.Start()
	go p.wait()
	return err
}

func (p *ProcessPreimageOracle) Close() error {
	if p.cmd == nil {
		return nil
	}
	// Give the server a moment to exit on its own before interrupting it.
	time.Sleep(time.Second * 1)
	_ = p.cmd.Process.Signal(os.Interrupt)
	return <-p.waitErr
}

func (p *ProcessPreimageOracle) wait() {
	err := p.cmd.Wait()
	var waitErr error
	var exitErr *exec.ExitError
	if !errors.As(err, &exitErr) || !exitErr.Success() {
		waitErr = err
	}
	p.cancelIO(errors.Join(errServerExited, waitErr))
	p.waitErr <- waitErr
	close(p.waitErr)
}
