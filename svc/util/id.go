package util

import (
	gonanoid "github.com/matoous/go-nanoid/v2"
	"github.com/pkg/errors"
)

// Identifiers are alphanumeric only. The full URL-safe nanoid alphabet also
// contains '-' and '_', which read badly when ids are pasted into chat.
const idAlphabet = "0123456789ABCDEFGHIJKLMNOPQRSTUVWXYZabcdefghijklmnopqrstuvwxyz"

const IDLength = 10

// GenID produces one candidate identifier. Uniqueness is not guaranteed here;
// the store's primary key rejects duplicates and the caller retries.
func GenID() (string, error) {
	id, err := gonanoid.Generate(idAlphabet, IDLength)
	if err != nil {
		return "", errors.Wrap(err, "generate id")
	}
	return id, nil
}
