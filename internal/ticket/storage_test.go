package ticket

import (
	"errors"
	"io/fs"
	"path/filepath"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
)

var _ = Describe("LocalStorage", func() {
	var (
		tmpDir  string
		storage Storage
	)

	BeforeEach(func() {
		tmpDir = GinkgoT().TempDir()
		var err error
		storage, err = NewLocalStorage(tmpDir)
		Expect(err).NotTo(HaveOccurred())
	})

	Describe("NewLocalStorage", func() {
		It("should create the artifact directories", func() {
			for _, dir := range []string{UploadsDir, PDFDir, QRDir, GuideDir} {
				Expect(filepath.Join(tmpDir, dir)).To(BeADirectory())
			}
		})
	})

	Describe("Save", func() {
		var (
			name      string
			savedPath string
			err       error
		)

		BeforeEach(func() {
			name = "pdfs/tiquete_A1_2024-02-01.pdf"
		})

		JustBeforeEach(func() {
			savedPath, err = storage.Save(name, []byte("test file content"))
		})

		When("saving succeeds", func() {
			It("should return the storage path", func() {
				Expect(err).NotTo(HaveOccurred())
				Expect(savedPath).To(Equal(name))
			})

			It("should save the file to disk", func() {
				Expect(filepath.Join(tmpDir, "pdfs", "tiquete_A1_2024-02-01.pdf")).To(BeAnExistingFile())
			})
		})

		When("the path escapes the storage root", func() {
			BeforeEach(func() {
				name = "../outside.txt"
			})

			It("returns ErrInvalidPath", func() {
				Expect(err).To(MatchError(ErrInvalidPath))
				Expect(filepath.Join(filepath.Dir(tmpDir), "outside.txt")).NotTo(BeAnExistingFile())
			})
		})

		When("the path is absolute", func() {
			BeforeEach(func() {
				name = "/etc/passwd"
			})

			It("returns ErrInvalidPath", func() {
				Expect(err).To(MatchError(ErrInvalidPath))
			})
		})
	})

	Describe("Get", func() {
		var (
			name string
			data []byte
			err  error
		)

		JustBeforeEach(func() {
			data, err = storage.Get(name)
		})

		When("file exists", func() {
			BeforeEach(func() {
				name = "uploads/t1_foto.jpg"
				_, saveErr := storage.Save(name, []byte("test file content"))
				Expect(saveErr).NotTo(HaveOccurred())
			})

			It("should return the correct file data", func() {
				Expect(err).NotTo(HaveOccurred())
				Expect(string(data)).To(Equal("test file content"))
			})
		})

		When("file does not exist", func() {
			BeforeEach(func() {
				name = "uploads/nonexistent.jpg"
			})

			It("returns a not-exist error", func() {
				Expect(err).To(HaveOccurred())
				Expect(errors.Is(err, fs.ErrNotExist)).To(BeTrue())
				Expect(err.Error()).To(ContainSubstring("reading file"))
			})
		})
	})

	Describe("Delete", func() {
		var (
			name string
			err  error
		)

		JustBeforeEach(func() {
			err = storage.Delete(name)
		})

		When("file exists", func() {
			BeforeEach(func() {
				name = "qr/qr_A1_1706779800.png"
				_, saveErr := storage.Save(name, []byte("png"))
				Expect(saveErr).NotTo(HaveOccurred())
			})

			It("should remove the file", func() {
				Expect(err).NotTo(HaveOccurred())
				Expect(filepath.Join(tmpDir, name)).NotTo(BeAnExistingFile())
			})
		})

		When("file does not exist", func() {
			BeforeEach(func() {
				name = "qr/nonexistent.png"
			})

			It("returns the error", func() {
				Expect(err).To(HaveOccurred())
				Expect(err.Error()).To(ContainSubstring("deleting file"))
			})
		})
	})
})
