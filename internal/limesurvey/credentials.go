package limesurvey

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"

	"golang.org/x/term"
)

// PromptAuthPlugin is the authentication plugin used for interactive logins.
const PromptAuthPlugin = "AuthLDAP"

// Credentials authenticate a RemoteControl session.
type Credentials struct {
	Username   string `json:"username"`
	Password   string `json:"password"`
	AuthPlugin string `json:"-"`
}

// CredentialSource supplies credentials. It is consulted again on re-authentication.
type CredentialSource interface {
	Credentials(ctx context.Context) (Credentials, error)
}

// StaticCredentials returns fixed credentials.
type StaticCredentials Credentials

func (s StaticCredentials) Credentials(ctx context.Context) (Credentials, error) {
	if s.Username == "" {
		return Credentials{}, fmt.Errorf("username is empty")
	}
	return Credentials(s), nil
}

// FileCredentials reads {"username": ..., "password": ...} from a JSON file.
type FileCredentials string

func (f FileCredentials) Credentials(ctx context.Context) (Credentials, error) {
	data, err := os.ReadFile(string(f))
	if err != nil {
		return Credentials{}, fmt.Errorf("failed to read credentials file: %w", err)
	}
	var cr Credentials
	if err := json.Unmarshal(data, &cr); err != nil {
		return Credentials{}, fmt.Errorf("failed to parse credentials file: %w", err)
	}
	if cr.Username == "" || cr.Password == "" {
		return Credentials{}, fmt.Errorf("credentials file must contain username and password")
	}
	return cr, nil
}

// PromptCredentials asks for a username and password on the terminal.
type PromptCredentials struct {
	In  *os.File
	Out io.Writer
}

func (p PromptCredentials) Credentials(ctx context.Context) (Credentials, error) {
	in, out := p.In, p.Out
	if in == nil {
		in = os.Stdin
	}
	if out == nil {
		out = os.Stderr
	}
	reader := bufio.NewReader(in)

	fmt.Fprint(out, "Enter your LimeSurvey username: ")
	username, err := reader.ReadString('\n')
	if err != nil && username == "" {
		return Credentials{}, fmt.Errorf("failed to read username: %w", err)
	}

	fmt.Fprint(out, "Enter your LimeSurvey password: ")
	var password string
	if term.IsTerminal(int(in.Fd())) {
		pw, err := term.ReadPassword(int(in.Fd()))
		fmt.Fprintln(out)
		if err != nil {
			return Credentials{}, fmt.Errorf("failed to read password: %w", err)
		}
		password = string(pw)
	} else {
		password, err = reader.ReadString('\n')
		if err != nil && password == "" {
			return Credentials{}, fmt.Errorf("failed to read password: %w", err)
		}
	}

	return Credentials{
		Username:   strings.TrimSpace(username),
		Password:   strings.TrimRight(password, "\r\n"),
		AuthPlugin: PromptAuthPlugin,
	}, nil
}
