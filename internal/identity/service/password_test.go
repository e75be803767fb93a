package service

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestValidPasswordAccepted(t *testing.T) {
	assert.Nil(t, ValidatePassword("Tr!ck-Horse9"))
}

func TestPasswordLengthBounds(t *testing.T) {
	assert.NotNil(t, ValidatePassword("Ab1!xyz")) // 7 chars
	assert.Nil(t, ValidatePassword("Ab1!wxyz"))   // 8 chars

	long := "Ab1!" + strings.Repeat("xy", 62) // 128 chars
	assert.Nil(t, ValidatePassword(long))
	assert.NotNil(t, ValidatePassword(long+"z"))
}

func TestPasswordCharacterClasses(t *testing.T) {
	cases := map[string]string{
		"no upper":  "tr!ck-horse9",
		"no lower":  "TR!CK-HORSE9",
		"no digit":  "Tr!ck-Horses",
		"no symbol": "Tr9ckHorses1",
	}
	for name, pw := range cases {
		assert.NotNil(t, ValidatePassword(pw), name)
	}
}

func TestPasswordDictionaryRejected(t *testing.T) {
	for _, pw := range []string{
		"Xy!123456z",
		"Xy!Qwerty9",
		"My-Password1",
		"Sys!Admin42",
	} {
		assert.NotNil(t, ValidatePassword(pw), pw)
	}
}

func TestPasswordRunsRejected(t *testing.T) {
	assert.NotNil(t, ValidatePassword("Tr!ck-Hooorse9"))
	// Two in a row is still fine.
	assert.Nil(t, ValidatePassword("Tr!ck-Hoorse9"))
}
