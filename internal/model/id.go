package model

import (
	"strings"

	"github.com/google/uuid"
)

// recordNamespace scopes record ids so they never collide with other v5 ids.
var recordNamespace = uuid.NewSHA1(uuid.NameSpaceURL, []byte("birdtag:media"))

// RecordID derives the record id for one object version. Duplicate delivery
// of the same event always yields the same id.
func RecordID(objectKey, objectVersion string) string {
	return uuid.NewSHA1(recordNamespace, []byte(objectKey+"\x00"+objectVersion)).String()
}

const UploadPrefix = "uploads/"

// OwnerFromKey extracts the owner from the upload layout uploads/<ownerId>/<file>.
func OwnerFromKey(key string) (string, bool) {
	rest, ok := strings.CutPrefix(key, UploadPrefix)
	if !ok {
		return "", false
	}
	owner, file, ok := strings.Cut(rest, "/")
	if !ok || owner == "" || file == "" {
		return "", false
	}
	return owner, true
}
