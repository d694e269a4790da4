package testutil

import (
	"testing"

	"github.com/livinlefevreloca/jobservice/internal/job"
	"github.com/livinlefevreloca/jobservice/internal/job/jobtest"
)

func TestMockStore_Contract(t *testing.T) {
	jobtest.RunStoreSuite(t, func(t *testing.T) job.Store {
		return NewMockStore()
	})
}
