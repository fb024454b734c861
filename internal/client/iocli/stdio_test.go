package iocli

import (
	"bytes"
	"io"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewStdio(t *testing.T) {
	assert.NotNil(t, NewStdio())
}

func TestStdio_Output(t *testing.T) {
	var out bytes.Buffer
	s := New(strings.NewReader(""), &out)

	s.Println("hello", "world")
	s.Printf("test %d %s\n", 1, "abc")
	_, err := s.Write([]byte("raw"))
	require.NoError(t, err)

	assert.Equal(t, "hello world\ntest 1 abc\nraw", out.String())
}

func TestStdio_ReadInput(t *testing.T) {
	var out bytes.Buffer
	s := New(strings.NewReader("user input\nsecret\nlast"), &out)

	got, err := s.ReadInput("Username: ")
	require.NoError(t, err)
	assert.Equal(t, "user input", got)

	// не терминал: пароль читается строкой
	pw, err := s.ReadPassword("Password: ")
	require.NoError(t, err)
	assert.Equal(t, "secret", pw)

	// последняя строка без перевода строки
	got, err = s.ReadInput("> ")
	require.NoError(t, err)
	assert.Equal(t, "last", got)

	_, err = s.ReadInput("> ")
	assert.ErrorIs(t, err, io.EOF)

	assert.Equal(t, "Username: Password: > > ", out.String())
}
