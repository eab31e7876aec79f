package ledger

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"

	"github.com/pkg/errors"
)

// Record is a tamper-evident entry for one executed pipeline step.
type Record struct {
	Index     int    `json:"index"`
	Timestamp string `json:"timestamp"`
	Pipeline  string `json:"pipeline"`
	Workflow  string `json:"workflow"`
	Job       string `json:"job"`
	Node      int    `json:"node"`
	Step      int    `json:"step"`
	Name      string `json:"name"`
	Status    string `json:"status"`
	ExitCode  int    `json:"exitCode"`
	LogPath   string `json:"logPath"`
	LogHash   string `json:"logHash"`
	AgentID   string `json:"agentId"`
	PrevHash  string `json:"prevHash"`
	Hash      string `json:"hash"`
	Signature string `json:"signature"`
	PubKey    string `json:"pubKey"`
}

// canonicalData returns the JSON bytes used to compute the record hash.
// Hash, Signature and PubKey are excluded.
func (r *Record) canonicalData() ([]byte, error) {
	view := struct {
		Index     int    `json:"index"`
		Timestamp string `json:"timestamp"`
		Pipeline  string `json:"pipeline"`
		Workflow  string `json:"workflow"`
		Job       string `json:"job"`
		Node      int    `json:"node"`
		Step      int    `json:"step"`
		Name      string `json:"name"`
		Status    string `json:"status"`
		ExitCode  int    `json:"exitCode"`
		LogPath   string `json:"logPath"`
		LogHash   string `json:"logHash"`
		AgentID   string `json:"agentId"`
		PrevHash  string `json:"prevHash"`
	}{
		Index:     r.Index,
		Timestamp: r.Timestamp,
		Pipeline:  r.Pipeline,
		Workflow:  r.Workflow,
		Job:       r.Job,
		Node:      r.Node,
		Step:      r.Step,
		Name:      r.Name,
		Status:    r.Status,
		ExitCode:  r.ExitCode,
		LogPath:   r.LogPath,
		LogHash:   r.LogHash,
		AgentID:   r.AgentID,
		PrevHash:  r.PrevHash,
	}
	return json.Marshal(view)
}

// ComputeHash calculates SHA256 over canonicalData.
func (r *Record) ComputeHash() (string, error) {
	data, err := r.canonicalData()
	if err != nil {
		return "", errors.Wrap(err, "marshal record")
	}
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:]), nil
}
