//go:build !linux

package ftrace

func Locate(dir string) (string, error) {
	return "", ErrUnsupported
}
