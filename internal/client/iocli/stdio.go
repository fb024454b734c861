package iocli

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"strings"

	"golang.org/x/term"
)

// Stdio читает ввод построчно; пароль без эха, если ввод является терминалом
type Stdio struct {
	in  *bufio.Reader
	out io.Writer
	fd  int
	tty bool
}

// NewStdio returns IO bound to the process stdin and stdout
func NewStdio() IO {
	return New(os.Stdin, os.Stdout)
}

// New returns IO over arbitrary streams
func New(in io.Reader, out io.Writer) IO {
	s := &Stdio{in: bufio.NewReader(in), out: out}
	if f, ok := in.(*os.File); ok && term.IsTerminal(int(f.Fd())) {
		s.fd = int(f.Fd())
		s.tty = true
	}
	return s
}

func (s *Stdio) Println(a ...any) {
	_, _ = fmt.Fprintln(s.out, a...)
}

func (s *Stdio) Printf(format string, a ...any) {
	_, _ = fmt.Fprintf(s.out, format, a...)
}

func (s *Stdio) Write(p []byte) (int, error) {
	return s.out.Write(p)
}

func (s *Stdio) ReadInput(prompt string) (string, error) {
	s.Printf("%s", prompt)
	input, err := s.in.ReadString('\n')
	if err != nil && (err != io.EOF || input == "") {
		return "", err
	}
	return strings.TrimSpace(input), nil
}

func (s *Stdio) ReadPassword(prompt string) (string, error) {
	if !s.tty {
		// пароль из pipe, например в скриптах
		return s.ReadInput(prompt)
	}
	s.Printf("%s", prompt)
	pwBytes, err := term.ReadPassword(s.fd)
	s.Println("")
	if err != nil {
		return "", err
	}
	return string(pwBytes), nil
}
