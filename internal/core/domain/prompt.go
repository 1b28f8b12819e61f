package domain

import "strings"

type SubmissionID int64

// PromptCandidate is what the prompt source yields. Two candidates are the
// same prompt when they compare equal with ==.
type PromptCandidate struct {
	Text   string
	Seed   string
	Height int
	Width  int
}

func (c PromptCandidate) IsEmpty() bool {
	return strings.TrimSpace(c.Text) == ""
}

// PromptRequest is a candidate stamped with the local submit time in
// milliseconds. The stamp doubles as the correlation key for the result.
type PromptRequest struct {
	PromptCandidate
	SubmissionID SubmissionID
}

func NewPromptRequest(candidate PromptCandidate, id SubmissionID) PromptRequest {
	return PromptRequest{PromptCandidate: candidate, SubmissionID: id}
}

// Candidate returns the request without its submission id, for dedup checks.
func (r PromptRequest) Candidate() PromptCandidate {
	return r.PromptCandidate
}

type GenerationResult struct {
	SubmissionID               SubmissionID
	ServerStartTime            int64 // ms, server clock
	ServerEndTime              int64 // ms, server clock
	ServerGenerationDurationMs int64
	ArtifactPayload            string
}

// OfferRequest is what the signaling collaborator receives.
type OfferRequest struct {
	SDP        string        `json:"sdp"`
	Type       string        `json:"type"`
	ICEServers []RelayServer `json:"ice_servers"`
}
