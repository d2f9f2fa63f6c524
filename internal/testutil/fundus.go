// Package testutil generates synthetic fundus images and dataset layouts for
// package tests.
package testutil

import (
	"bytes"
	"fmt"
	"image"
	"image/color"
	"image/png"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
)

// FundusPNG renders a size x size PNG: a reddish disc on a black background
// with a brighter spot whose position depends on variant.
func FundusPNG(t testing.TB, size, variant int) []byte {
	t.Helper()
	img := image.NewNRGBA(image.Rect(0, 0, size, size))
	c := float64(size) / 2
	r := c * 0.8
	spotX := float64(size) * (0.25 + 0.1*float64(variant%5))
	spotY := float64(size) * 0.5
	for y := 0; y < size; y++ {
		for x := 0; x < size; x++ {
			dx, dy := float64(x)-c, float64(y)-c
			if dx*dx+dy*dy > r*r {
				img.SetNRGBA(x, y, color.NRGBA{A: 255})
				continue
			}
			px := color.NRGBA{R: 160, G: uint8(60 + 10*(variant%5)), B: 30, A: 255}
			sx, sy := float64(x)-spotX, float64(y)-spotY
			if sx*sx+sy*sy < float64(size*size)/64 {
				px = color.NRGBA{R: 250, G: 230, B: 120, A: 255}
			}
			img.SetNRGBA(x, y, px)
		}
	}
	buf := &bytes.Buffer{}
	require.NoError(t, png.Encode(buf, img))
	return buf.Bytes()
}

// WriteDataset writes one PNG per label under root/images as "<i>_left.png"
// and a label table at root/labels.csv. It returns the images directory and
// the label table path.
func WriteDataset(t testing.TB, root string, size int, labels []int) (string, string) {
	t.Helper()
	imagesDir := filepath.Join(root, "images")
	require.NoError(t, os.MkdirAll(imagesDir, 0o755))
	var table strings.Builder
	table.WriteString("image,level\n")
	for i, label := range labels {
		key := fmt.Sprintf("%d_left", i)
		require.NoError(t, os.WriteFile(filepath.Join(imagesDir, key+".png"), FundusPNG(t, size, label), 0o644))
		fmt.Fprintf(&table, "%s,%d\n", key, label)
	}
	labelsPath := filepath.Join(root, "labels.csv")
	require.NoError(t, os.WriteFile(labelsPath, []byte(table.String()), 0o644))
	return imagesDir, labelsPath
}
