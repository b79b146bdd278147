package bot

import (
	"bufio"
	"os"
)

// TailLastNLines returns the last n lines of the file. The whole file
// is scanned; the error log is rotated small enough for that.
func TailLastNLines(path string, n int) ([]string, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	buf := make([]string, 0, n)
	s := bufio.NewScanner(f)
	for s.Scan() {
		if len(buf) < n {
			buf = append(buf, s.Text())
			continue
		}
		copy(buf, buf[1:])
		buf[n-1] = s.Text()
	}
	if err := s.Err(); err != nil {
		return nil, err
	}
	return buf, nil
}
