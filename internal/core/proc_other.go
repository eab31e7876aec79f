//go:build !unix

package core

import "os/exec"

func setProcessGroup(*exec.Cmd) {}
