package api

import "minutes-api/domain"

const (
	postCommandMaxSize = 64 * 1024  // 64 KiB
	analyzeMaxSize     = 256 * 1024 // 256 KiB
	importMaxSize      = 256 * 1024
	dashboardTopIssues = 10
)

// POST /api/commands and /api/meetings/:id/import response body
type postCommandResponse struct {
	IdempotencyKeys []string `json:"idempotencyKeys,omitempty"`
	Error           string   `json:"error,omitempty"`
}

// GET /healthz response
type healthResponse struct {
	Status string `json:"status"`
	LLM    string `json:"llm,omitempty"`
}

type errorResponse struct {
	Error     string `json:"error"`
	Kind      string `json:"kind,omitempty"`
	Retryable bool   `json:"retryable,omitempty"`
}

// POST /api/meetings/:id/import request body
type importRequest struct {
	Decisions []importDecision `json:"decisions"`
	Tasks     []importTask     `json:"tasks"`
}

type importDecision struct {
	Title   string   `json:"title"`
	Context string   `json:"context"`
	Tags    []string `json:"tags"`
}

type importTask struct {
	Title       string `json:"title"`
	Description string `json:"description"`
	AssigneeID  string `json:"assigneeId"`
	DueDate     string `json:"dueDate"`
}

type taskView struct {
	domain.Task
	Overdue bool `json:"overdue"`
}

type issueView struct {
	domain.Issue
	Score int         `json:"score"`
	Band  domain.Band `json:"band"`
	Color string      `json:"color"`
}

type meetingDetail struct {
	domain.Meeting
	Decisions []domain.Decision `json:"decisions"`
	Tasks     []taskView        `json:"tasks"`
}

type dashboardCounts struct {
	WorkingGroups int `json:"workingGroups"`
	Meetings      int `json:"meetings"`
	Decisions     int `json:"decisions"`
	Tasks         int `json:"tasks"`
	PendingTasks  int `json:"pendingTasks"`
	OverdueTasks  int `json:"overdueTasks"`
	OpenIssues    int `json:"openIssues"`
}

type dashboardResponse struct {
	Counts    dashboardCounts `json:"counts"`
	TopIssues []issueView     `json:"topIssues"`
}
