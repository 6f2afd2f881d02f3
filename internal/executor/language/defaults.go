package language

// Defaults returns the built-in language set.
//
// Dependencies always land inside the workspace: pip gets --target, npm gets
// --prefix, and the process environment points HOME at the workspace so
// package-manager caches are per execution too.
func Defaults() []Descriptor {
	return []Descriptor{
		{
			ID:        "python",
			Name:      "Python 3",
			Aliases:   []string{"py", "python3"},
			Extension: ".py",
			// -u keeps stdout unbuffered so partial output survives a kill.
			Run: []string{"${PYTHON}", "-u", "${source}"},
			Install: []string{
				"${PYTHON}", "-m", "pip", "install",
				"--disable-pip-version-check", "--no-input", "--quiet",
				"--target", "${packages_dir}",
				PackagesVar,
			},
			Env: map[string]string{
				"PYTHONPATH":              "${packages_dir}",
				"PYTHONDONTWRITEBYTECODE": "1",
			},
			Image: "python:3.12-alpine",
		},
		{
			ID:        "javascript",
			Name:      "JavaScript (Node.js)",
			Aliases:   []string{"js", "node", "nodejs"},
			Extension: ".js",
			Run:       []string{"${NODE}", "${source}"},
			Install: []string{
				"${NPM}", "install",
				"--prefix", "${workspace}",
				"--no-audit", "--no-fund", "--no-package-lock", "--loglevel=error",
				PackagesVar,
			},
			Env: map[string]string{
				"NODE_PATH": "${workspace}/node_modules",
			},
			Image: "node:22-alpine",
		},
		{
			ID:         "java",
			Name:       "Java",
			Extension:  ".java",
			SourceName: "Main.java",
			Compile:    []string{"${JAVAC}", "-d", "${workspace}", "${source}"},
			Run:        []string{"${JAVA}", "-cp", "${workspace}", "Main"},
			Image:      "eclipse-temurin:21-jdk",
		},
		{
			ID:        "c",
			Name:      "C",
			Extension: ".c",
			Compile:   []string{"${CC}", "-O2", "-std=c17", "-o", "${binary}", "${source}", "-lm"},
			Run:       []string{"${binary}"},
			Image:     "gcc:14",
		},
		{
			ID:        "cpp",
			Name:      "C++",
			Aliases:   []string{"c++", "cxx"},
			Extension: ".cpp",
			Compile:   []string{"${CXX}", "-O2", "-std=c++17", "-o", "${binary}", "${source}"},
			Run:       []string{"${binary}"},
			Image:     "gcc:14",
		},
	}
}
