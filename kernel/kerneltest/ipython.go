package kerneltest

import (
	"regexp"
	"strconv"
	"strings"
	"time"
)

// PNG is a 1x1 transparent image published for figures.
var PNG = []byte{
	0x89, 0x50, 0x4e, 0x47, 0x0d, 0x0a, 0x1a, 0x0a, 0x00, 0x00, 0x00, 0x0d,
	0x49, 0x48, 0x44, 0x52, 0x00, 0x00, 0x00, 0x01, 0x00, 0x00, 0x00, 0x01,
	0x08, 0x06, 0x00, 0x00, 0x00, 0x1f, 0x15, 0xc4, 0x89, 0x00, 0x00, 0x00,
	0x0d, 0x49, 0x44, 0x41, 0x54, 0x78, 0x9c, 0x63, 0x00, 0x01, 0x00, 0x00,
	0x05, 0x00, 0x01, 0x0d, 0x0a, 0x2d, 0xb4, 0x00, 0x00, 0x00, 0x00, 0x49,
	0x45, 0x4e, 0x44, 0xae, 0x42, 0x60, 0x82,
}

// ZeroDivisionTraceback is what IPython publishes for "1/0", colour codes
// included.
var ZeroDivisionTraceback = []string{
	"\x1b[0;31m---------------------------------------------------------------------------\x1b[0m",
	"\x1b[0;31mZeroDivisionError\x1b[0m                         Traceback (most recent call last)",
	"Cell \x1b[0;32mIn[1], line 1\x1b[0m\n\x1b[0;32m----> 1\x1b[0m \x1b[38;5;241m1\x1b[39m\x1b[38;5;241m/\x1b[39m\x1b[38;5;241m0\x1b[39m\n",
	"\x1b[0;31mZeroDivisionError\x1b[0m: division by zero",
}

var (
	printCall = regexp.MustCompile(`^print\((['"])(.*)(['"])\)$`)
	sum       = regexp.MustCompile(`^(-?\d+)\s*\+\s*(-?\d+)$`)
	assign    = regexp.MustCompile(`^[A-Za-z_]\w*\s*=[^=]`)
	sleep     = regexp.MustCompile(`^time\.sleep\((\d+(?:\.\d+)?)\)$`)
)

// IPython answers the small set of cells the tests use the way an IPython
// kernel does. Each line of a multi-line cell is evaluated in turn and the
// value of the last line, if any, is published as the result.
//
//	print('x')       stream stdout "x\n"
//	1/0              error ZeroDivisionError
//	x = 1            nothing
//	2 + 2            execute_result "4"
//	plt.show()       display_data with a PNG
//	time.sleep(0.1)  nothing, after the delay
//	while True: pass never reaches idle
//	os._exit(1)      the kernel dies
func IPython(code string) Reply {
	var r Reply
	lines := strings.Split(strings.TrimSpace(code), "\n")
	for i, line := range lines {
		line = strings.TrimSpace(line)
		last := i == len(lines)-1

		switch {
		case line == "" || strings.HasPrefix(line, "#") || strings.HasPrefix(line, "import "):
		case printCall.MatchString(line):
			m := printCall.FindStringSubmatch(line)
			r.Events = append(r.Events, Stdout(m[2]+"\n"))
		case strings.HasPrefix(line, "print(") && strings.Contains(line, "sys.stderr"):
			text := strings.TrimSuffix(strings.TrimPrefix(line, "print('"), "', file=sys.stderr)")
			r.Events = append(r.Events, Stderr(text+"\n"))
		case line == "1/0" || line == "1 / 0":
			r.Events = append(r.Events, Error("ZeroDivisionError", "division by zero", ZeroDivisionTraceback...))
			return r
		case sum.MatchString(line):
			if last {
				m := sum.FindStringSubmatch(line)
				a, _ := strconv.Atoi(m[1])
				b, _ := strconv.Atoi(m[2])
				r.Events = append(r.Events, Result(1, strconv.Itoa(a+b)))
			}
		case line == "plt.show()":
			r.Events = append(r.Events, Display("<Figure size 640x480 with 1 Axes>", PNG))
		case sleep.MatchString(line):
			secs, _ := strconv.ParseFloat(sleep.FindStringSubmatch(line)[1], 64)
			r.Delay = time.Duration(secs * float64(time.Second))
		case strings.HasPrefix(line, "while True"):
			r.Hang = true
			return r
		case strings.HasPrefix(line, "os._exit("):
			r.Crash = true
			return r
		case assign.MatchString(line):
		default:
			name := strings.FieldsFunc(line, func(c rune) bool {
				return !(c == '_' || c >= 'a' && c <= 'z' || c >= 'A' && c <= 'Z' || c >= '0' && c <= '9')
			})
			if len(name) == 0 {
				name = []string{line}
			}
			r.Events = append(r.Events, Error("NameError", "name '"+name[0]+"' is not defined",
				"\x1b[0;31mNameError\x1b[0m: name '"+name[0]+"' is not defined"))
			return r
		}
	}
	if r.Delay > 0 && len(r.Events) == 0 {
		// keep the delay observable even for cells without output
		r.Events = append(r.Events, Raw("clear_output", map[string]any{"wait": false}))
	}
	return r
}
