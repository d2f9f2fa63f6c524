package dataset

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"retina-forge/internal/failure"
)

func TestReadLabelsSkipsHeader(t *testing.T) {
	rows, err := ReadLabels(strings.NewReader("image,level\n10_left,0\n10_right, 4\n\n13_left,2\n"))
	require.NoError(t, err)
	assert.Equal(t, []LabelRow{
		{Key: "10_left", Label: 0},
		{Key: "10_right", Label: 4},
		{Key: "13_left", Label: 2},
	}, rows)
}

func TestReadLabelsWithoutHeader(t *testing.T) {
	rows, err := ReadLabels(strings.NewReader("a,1\nb,3\n"))
	require.NoError(t, err)
	assert.Len(t, rows, 2)
}

func TestReadLabelsMalformed(t *testing.T) {
	cases := map[string]string{
		"not integer":  "image,level\na,one\n",
		"out of range": "a,5\n",
		"negative":     "a,-1\n",
		"arity":        "a,1,2\n",
		"duplicate":    "a,1\na,2\n",
		"empty key":    "image,level\n,2\n",
	}
	for name, body := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := ReadLabels(strings.NewReader(body))
			require.ErrorIs(t, err, failure.ErrDataset)
		})
	}
}
