package main

import (
	"errors"
	"fmt"
	"testing"

	"github.com/Azure/azure-sdk-for-go/sdk/azcore"
	"github.com/Azure/azure-sdk-for-go/sdk/data/aztables"
)

func TestIgnoreExisting(t *testing.T) {
	tableExists := string(aztables.TableAlreadyExists)
	tests := []struct {
		name    string
		err     error
		code    string
		wantErr bool
	}{
		{name: "nil", code: queueAlreadyExists},
		{name: "queue exists", err: &azcore.ResponseError{ErrorCode: queueAlreadyExists, StatusCode: 409}, code: queueAlreadyExists},
		{name: "wrapped table exists", err: fmt.Errorf("create: %w", &azcore.ResponseError{ErrorCode: tableExists}), code: tableExists},
		{name: "table code for queue", err: &azcore.ResponseError{ErrorCode: tableExists}, code: queueAlreadyExists, wantErr: true},
		{name: "forbidden", err: &azcore.ResponseError{ErrorCode: "AuthorizationFailure", StatusCode: 403}, code: queueAlreadyExists, wantErr: true},
		{name: "plain error", err: errors.New("boom"), code: queueAlreadyExists, wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := ignoreExisting(tt.err, tt.code)
			if (got != nil) != tt.wantErr {
				t.Fatalf("ignoreExisting() = %v, wantErr %v", got, tt.wantErr)
			}
			if tt.wantErr && !errors.Is(got, tt.err) {
				t.Fatalf("expected original error, got %v", got)
			}
		})
	}
}
