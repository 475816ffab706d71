package fiducial

import (
	"errors"
	"fmt"
	"sync"

	"gocv.io/x/gocv"
)

// dictionaryCodes maps configuration names onto gocv's predefined ArUco
// dictionaries.
var dictionaryCodes = map[string]gocv.ArucoDictionaryCode{
	"DICT_4X4_50":  gocv.ArucoDict4x4_50,
	"DICT_4X4_100": gocv.ArucoDict4x4_100,
	"DICT_5X5_50":  gocv.ArucoDict5x5_50,
	"DICT_6X6_50":  gocv.ArucoDict6x6_50,
}

// ArucoDetector detects ArUco markers with OpenCV via gocv.
type ArucoDetector struct {
	mu       sync.Mutex
	detector gocv.ArucoDetector
}

// NewArucoDetector builds a detector for the named dictionary.
func NewArucoDetector(dictionary string) (*ArucoDetector, error) {
	code, ok := dictionaryCodes[dictionary]
	if !ok {
		return nil, ErrUnsupportedDictionary(dictionary)
	}
	det := gocv.NewArucoDetectorWithParams(
		gocv.GetPredefinedDictionary(code),
		gocv.NewArucoDetectorParameters(),
	)
	return &ArucoDetector{detector: det}, nil
}

// Detect decodes the JPEG to grayscale and runs marker detection.
func (a *ArucoDetector) Detect(jpeg []byte) ([]Marker, int, int, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	img, err := gocv.IMDecode(jpeg, gocv.IMReadGrayScale)
	if err != nil {
		return nil, 0, 0, errors.New("decode_failed")
	}
	defer img.Close()
	if img.Empty() {
		return nil, 0, 0, errors.New("decode_failed")
	}

	width, height := img.Cols(), img.Rows()

	corners, ids, _ := a.detector.DetectMarkers(img)
	markers := make([]Marker, 0, len(ids))
	for i, id := range ids {
		if len(corners[i]) != 4 {
			return nil, 0, 0, fmt.Errorf("detector_error:corner count %d", len(corners[i]))
		}
		m := Marker{ID: id}
		for c, pt := range corners[i] {
			m.Corners[c] = [2]float64{float64(pt.X), float64(pt.Y)}
			m.Center[0] += float64(pt.X) / 4
			m.Center[1] += float64(pt.Y) / 4
		}
		m.AreaPx = quadArea(m.Corners)
		markers = append(markers, m)
	}
	return markers, width, height, nil
}

// quadArea is the shoelace area of the detected quadrilateral.
func quadArea(c [4][2]float64) float64 {
	var sum float64
	for i := 0; i < 4; i++ {
		j := (i + 1) % 4
		sum += c[i][0]*c[j][1] - c[j][0]*c[i][1]
	}
	if sum < 0 {
		sum = -sum
	}
	return sum / 2
}

// Close releases the detector resources.
func (a *ArucoDetector) Close() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.detector.Close()
	return nil
}
