// Package ids generates prefixed unique identifiers, e.g. "job_<uuid>".
package ids

import (
	"fmt"

	"github.com/google/uuid"
)

func New(prefix string) string {
	return fmt.Sprintf("%s_%s", prefix, uuid.New())
}
