package api

import (
	"context"
	"net/http"
	"sort"
	"strings"

	"github.com/labstack/echo/v4"

	"minutes-api/domain"
)

func listAs[T domain.Record](ctx context.Context, store Storage, kind domain.Kind) ([]T, error) {
	recs, err := store.List(ctx, kind)
	if err != nil {
		return nil, err
	}
	out := make([]T, 0, len(recs))
	for _, r := range recs {
		if v, ok := r.(T); ok {
			out = append(out, v)
		}
	}
	return out, nil
}

func getWorkingGroups(store Storage, auth Authenticator) echo.HandlerFunc {
	return func(c echo.Context) error {
		if _, err := authenticate(c, auth); err != nil {
			return unauthorized(c, err)
		}
		groups, err := listAs[domain.WorkingGroup](c.Request().Context(), store, domain.KindWorkingGroup)
		if err != nil {
			return storageFailure(c, err)
		}
		sort.SliceStable(groups, func(i, j int) bool { return groups[i].CreatedAt > groups[j].CreatedAt })
		metricsFrom(c).Set("records_returned", len(groups))
		return c.JSON(http.StatusOK, groups)
	}
}

func getMeetings(store Storage, auth Authenticator) echo.HandlerFunc {
	return func(c echo.Context) error {
		if _, err := authenticate(c, auth); err != nil {
			return unauthorized(c, err)
		}
		meetings, err := listAs[domain.Meeting](c.Request().Context(), store, domain.KindMeeting)
		if err != nil {
			return storageFailure(c, err)
		}
		groupID := c.QueryParam("workingGroupId")
		q := searchTerm(c)
		out := meetings[:0]
		for _, m := range meetings {
			if groupID != "" && m.WorkingGroupID != groupID {
				continue
			}
			if !matches(q, m.Title, m.Summary) {
				continue
			}
			out = append(out, m)
		}
		sortMeetings(out)
		metricsFrom(c).Set("records_returned", len(out))
		return c.JSON(http.StatusOK, out)
	}
}

// searchTerm is the lower-cased q query parameter.
func searchTerm(c echo.Context) string {
	return strings.ToLower(strings.TrimSpace(c.QueryParam("q")))
}

// matches reports whether q is empty or contained in any of fields. q must
// already be lower case.
func matches(q string, fields ...string) bool {
	if q == "" {
		return true
	}
	for _, f := range fields {
		if strings.Contains(strings.ToLower(f), q) {
			return true
		}
	}
	return false
}

// namesByID loads kind and maps each record id to the label name returns.
func namesByID[T domain.Record](ctx context.Context, store Storage, kind domain.Kind, name func(T) string) (map[string]string, error) {
	recs, err := listAs[T](ctx, store, kind)
	if err != nil {
		return nil, err
	}
	out := make(map[string]string, len(recs))
	for _, r := range recs {
		out[r.RecordID()] = name(r)
	}
	return out, nil
}

// sortMeetings orders by date, most recent first, then by creation.
func sortMeetings(meetings []domain.Meeting) {
	sort.SliceStable(meetings, func(i, j int) bool {
		if meetings[i].Date != meetings[j].Date {
			return meetings[i].Date > meetings[j].Date
		}
		return meetings[i].CreatedAt > meetings[j].CreatedAt
	})
}

func getMeeting(store Storage, auth Authenticator) echo.HandlerFunc {
	return func(c echo.Context) error {
		if _, err := authenticate(c, auth); err != nil {
			return unauthorized(c, err)
		}
		ctx := c.Request().Context()
		id := c.Param("id")
		rec, err := store.Get(ctx, domain.KindMeeting, id)
		if err != nil {
			return storageFailure(c, err)
		}
		meeting, ok := rec.(domain.Meeting)
		if !ok {
			return c.JSON(http.StatusNotFound, errorResponse{Error: "meeting not found"})
		}
		decisions, err := listAs[domain.Decision](ctx, store, domain.KindDecision)
		if err != nil {
			return storageFailure(c, err)
		}
		tasks, err := listAs[domain.Task](ctx, store, domain.KindTask)
		if err != nil {
			return storageFailure(c, err)
		}

		detail := meetingDetail{Meeting: meeting, Decisions: []domain.Decision{}, Tasks: []taskView{}}
		for _, d := range decisions {
			if d.MeetingID == id {
				detail.Decisions = append(detail.Decisions, d)
			}
		}
		sort.SliceStable(detail.Decisions, func(i, j int) bool { return detail.Decisions[i].CreatedAt > detail.Decisions[j].CreatedAt })
		now := nowFunc()
		for _, t := range tasks {
			if t.MeetingID == id {
				detail.Tasks = append(detail.Tasks, taskView{Task: t, Overdue: t.Overdue(now)})
			}
		}
		sort.SliceStable(detail.Tasks, func(i, j int) bool { return detail.Tasks[i].CreatedAt > detail.Tasks[j].CreatedAt })
		return c.JSON(http.StatusOK, detail)
	}
}

func getDecisions(store Storage, auth Authenticator) echo.HandlerFunc {
	return func(c echo.Context) error {
		if _, err := authenticate(c, auth); err != nil {
			return unauthorized(c, err)
		}
		ctx := c.Request().Context()
		decisions, err := listAs[domain.Decision](ctx, store, domain.KindDecision)
		if err != nil {
			return storageFailure(c, err)
		}
		meetingID := c.QueryParam("meetingId")
		tag := strings.TrimSpace(c.QueryParam("tag"))
		q := searchTerm(c)
		var meetings []domain.Meeting
		groups := map[string]string{}
		if q != "" {
			if meetings, err = listAs[domain.Meeting](ctx, store, domain.KindMeeting); err != nil {
				return storageFailure(c, err)
			}
			if groups, err = namesByID(ctx, store, domain.KindWorkingGroup, func(g domain.WorkingGroup) string { return g.Name }); err != nil {
				return storageFailure(c, err)
			}
		}
		byID := make(map[string]domain.Meeting, len(meetings))
		for _, m := range meetings {
			byID[m.ID] = m
		}
		out := decisions[:0]
		for _, d := range decisions {
			if meetingID != "" && d.MeetingID != meetingID {
				continue
			}
			if tag != "" && !hasTag(d.Tags, tag) {
				continue
			}
			m := byID[d.MeetingID]
			fields := append([]string{d.Title, d.Context, m.Title, groups[m.WorkingGroupID]}, d.Tags...)
			if !matches(q, fields...) {
				continue
			}
			out = append(out, d)
		}
		sort.SliceStable(out, func(i, j int) bool { return out[i].CreatedAt > out[j].CreatedAt })
		metricsFrom(c).Set("records_returned", len(out))
		return c.JSON(http.StatusOK, out)
	}
}

func hasTag(tags []string, want string) bool {
	for _, t := range tags {
		if strings.EqualFold(t, want) {
			return true
		}
	}
	return false
}

func getTasks(store Storage, auth Authenticator) echo.HandlerFunc {
	return func(c echo.Context) error {
		if _, err := authenticate(c, auth); err != nil {
			return unauthorized(c, err)
		}
		ctx := c.Request().Context()
		tasks, err := listAs[domain.Task](ctx, store, domain.KindTask)
		if err != nil {
			return storageFailure(c, err)
		}
		meetingID := c.QueryParam("meetingId")
		status := domain.TaskStatus(c.QueryParam("status"))
		assignee := c.QueryParam("assigneeId")
		q := searchTerm(c)
		meetingTitles, userNames := map[string]string{}, map[string]string{}
		if q != "" {
			if meetingTitles, err = namesByID(ctx, store, domain.KindMeeting, func(m domain.Meeting) string { return m.Title }); err != nil {
				return storageFailure(c, err)
			}
			if userNames, err = namesByID(ctx, store, domain.KindUser, func(u domain.User) string { return u.Name }); err != nil {
				return storageFailure(c, err)
			}
		}
		now := nowFunc()
		out := []taskView{}
		for _, t := range tasks {
			if meetingID != "" && t.MeetingID != meetingID {
				continue
			}
			if status != "" && t.Status != status {
				continue
			}
			if assignee != "" && t.AssigneeID != assignee {
				continue
			}
			if !matches(q, t.Title, t.Description, userNames[t.AssigneeID], meetingTitles[t.MeetingID]) {
				continue
			}
			out = append(out, taskView{Task: t, Overdue: t.Overdue(now)})
		}
		// Earliest due date first; tasks without one go last.
		sort.SliceStable(out, func(i, j int) bool {
			a, b := out[i].DueDate, out[j].DueDate
			if a == "" || b == "" {
				return a != "" && b == ""
			}
			return a < b
		})
		metricsFrom(c).Set("records_returned", len(out))
		return c.JSON(http.StatusOK, out)
	}
}

func issueViews(issues []domain.Issue) []issueView {
	out := make([]issueView, len(issues))
	for i, is := range issues {
		band := is.Band()
		out[i] = issueView{Issue: is, Score: is.Score(), Band: band, Color: band.Color()}
	}
	return out
}

func getIssues(store Storage, auth Authenticator) echo.HandlerFunc {
	return func(c echo.Context) error {
		if _, err := authenticate(c, auth); err != nil {
			return unauthorized(c, err)
		}
		issues, err := listAs[domain.Issue](c.Request().Context(), store, domain.KindIssue)
		if err != nil {
			return storageFailure(c, err)
		}
		groupID := c.QueryParam("workingGroupId")
		status := domain.IssueStatus(c.QueryParam("status"))
		q := searchTerm(c)
		out := issues[:0]
		for _, is := range issues {
			if groupID != "" && is.WorkingGroupID != groupID {
				continue
			}
			if status != "" && is.Status != status {
				continue
			}
			if !matches(q, is.Title, is.Description) {
				continue
			}
			out = append(out, is)
		}
		domain.SortIssuesByScore(out)
		metricsFrom(c).Set("records_returned", len(out))
		return c.JSON(http.StatusOK, issueViews(out))
	}
}

func getUsers(store Storage, auth Authenticator) echo.HandlerFunc {
	return func(c echo.Context) error {
		if _, err := authenticate(c, auth); err != nil {
			return unauthorized(c, err)
		}
		users, err := listAs[domain.User](c.Request().Context(), store, domain.KindUser)
		if err != nil {
			return storageFailure(c, err)
		}
		sort.SliceStable(users, func(i, j int) bool { return strings.ToLower(users[i].Name) < strings.ToLower(users[j].Name) })
		return c.JSON(http.StatusOK, users)
	}
}

func getMe(store Storage, auth Authenticator) echo.HandlerFunc {
	return func(c echo.Context) error {
		userID, err := authenticate(c, auth)
		if err != nil {
			return unauthorized(c, err)
		}
		rec, err := store.Get(c.Request().Context(), domain.KindUser, userID)
		if err != nil {
			return storageFailure(c, err)
		}
		if rec == nil {
			return c.JSON(http.StatusNotFound, errorResponse{Error: "profile not found"})
		}
		return c.JSON(http.StatusOK, rec)
	}
}

func getDashboard(store Storage, auth Authenticator) echo.HandlerFunc {
	return func(c echo.Context) error {
		if _, err := authenticate(c, auth); err != nil {
			return unauthorized(c, err)
		}
		ctx := c.Request().Context()
		var counts dashboardCounts
		for _, k := range []domain.Kind{domain.KindWorkingGroup, domain.KindMeeting, domain.KindDecision} {
			recs, err := store.List(ctx, k)
			if err != nil {
				return storageFailure(c, err)
			}
			switch k {
			case domain.KindWorkingGroup:
				counts.WorkingGroups = len(recs)
			case domain.KindMeeting:
				counts.Meetings = len(recs)
			case domain.KindDecision:
				counts.Decisions = len(recs)
			}
		}

		tasks, err := listAs[domain.Task](ctx, store, domain.KindTask)
		if err != nil {
			return storageFailure(c, err)
		}
		counts.Tasks = len(tasks)
		now := nowFunc()
		for _, t := range tasks {
			if t.Status != domain.TaskDone {
				counts.PendingTasks++
			}
			if t.Overdue(now) {
				counts.OverdueTasks++
			}
		}

		issues, err := listAs[domain.Issue](ctx, store, domain.KindIssue)
		if err != nil {
			return storageFailure(c, err)
		}
		open := issues[:0]
		for _, is := range issues {
			if is.Status == domain.IssueOpen {
				open = append(open, is)
			}
		}
		counts.OpenIssues = len(open)
		domain.SortIssuesByScore(open)
		if len(open) > dashboardTopIssues {
			open = open[:dashboardTopIssues]
		}
		return c.JSON(http.StatusOK, dashboardResponse{Counts: counts, TopIssues: issueViews(open)})
	}
}
