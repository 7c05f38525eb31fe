package api

import (
	"io"
	"net/http"

	"github.com/bytedance/sonic"
	"github.com/labstack/echo/v4"

	"minutes-api/extraction"
)

// statusForExtraction maps an extraction failure to an HTTP status. Both
// provider failure kinds are server errors; the kind field in the body lets
// clients tell them apart.
func statusForExtraction(kind extraction.Kind) int {
	switch kind {
	case extraction.KindUnauthorized:
		return http.StatusUnauthorized
	case extraction.KindInvalidInput:
		return http.StatusBadRequest
	default:
		return http.StatusInternalServerError
	}
}

var providerMessages = map[extraction.Kind]string{
	extraction.KindProviderCallFailed:      "meeting analysis is unavailable, try again later",
	extraction.KindProviderResponseInvalid: "meeting analysis returned an unusable answer",
}

// extractionFailure writes the error body. Provider details stay in the log.
func extractionFailure(c echo.Context, err error) error {
	kind := extraction.KindOf(err)
	if kind == "" {
		kind = extraction.KindProviderCallFailed
	}
	metrics := metricsFrom(c)
	metrics.SetErrorStage("extract")
	metrics.Set("extraction.kind", string(kind))

	msg, internal := providerMessages[kind]
	if internal {
		c.Logger().Errorf("analyze meeting: %v", err)
	} else {
		msg = err.Error()
	}
	return c.JSON(statusForExtraction(kind), errorResponse{Error: msg, Kind: string(kind), Retryable: kind.Retryable()})
}

func analyzeMeeting(ex Extractor, auth Authenticator) echo.HandlerFunc {
	return func(c echo.Context) error {
		credential := c.Request().Header.Get(echo.HeaderAuthorization)

		body, err := io.ReadAll(io.LimitReader(c.Request().Body, analyzeMaxSize+1))
		if err != nil {
			return badRequest(c, "read", "invalid body")
		}
		if len(body) > analyzeMaxSize {
			if _, aerr := auth.UserIDFromAuthHeader(credential); aerr != nil {
				return extractionFailure(c, &extraction.Error{Kind: extraction.KindUnauthorized, Err: aerr})
			}
			return badRequest(c, "read", "summary: request body too large")
		}

		var req extraction.Request
		if err := sonic.Unmarshal(body, &req); err != nil {
			if _, aerr := auth.UserIDFromAuthHeader(credential); aerr != nil {
				return extractionFailure(c, &extraction.Error{Kind: extraction.KindUnauthorized, Err: aerr})
			}
			return badRequest(c, "decode", "invalid body")
		}

		res, err := ex.Extract(c.Request().Context(), req, credential)
		if err != nil {
			return extractionFailure(c, err)
		}
		metrics := metricsFrom(c)
		metrics.Set("decisions", len(res.Decisions))
		metrics.Set("tasks", len(res.Tasks))
		return c.JSON(http.StatusOK, res)
	}
}
